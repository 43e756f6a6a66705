// Command fido2ctl is a CLI front end for pkg/device: read device info,
// manage the PIN, list and delete resident credentials, and write
// physical/identity configuration on a pico-fido family USB security
// token.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/librekeys/picoforge/pkg/device"
	"github.com/librekeys/picoforge/pkg/reportfile"
	"github.com/librekeys/picoforge/pkg/vendorext"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	subcommand := os.Args[1]
	args := os.Args[2:]

	fs := flag.NewFlagSet(subcommand, flag.ExitOnError)
	vid := fs.Uint("vid", 0, "USB vendor ID filter (0 = any)")
	pid := fs.Uint("pid", 0, "USB product ID filter (0 = any)")
	pinEnv := fs.String("pin-env", "FIDO2CTL_PIN", "environment variable holding the device PIN (never pass a PIN as a bare flag value)")
	exportPath := fs.String("export", "", "write the command's JSON result to this file in addition to stdout")
	timeout := fs.Duration("timeout", 10*time.Second, "operation timeout")

	// config-write parameters. A flag left at its default (0 for the
	// VID/PID flags, -1 for the integer flags, false for the behavior
	// flags) is treated as "not set" and omitted from the ConfigInput
	// below.
	newVID := fs.Uint("new-vid", 0, "config-write: new USB VID (requires -new-pid)")
	newPID := fs.Uint("new-pid", 0, "config-write: new USB PID (requires -new-vid)")
	ledGPIO := fs.Int("led-gpio", -1, "config-write: new LED GPIO pin (-1 = unset)")
	ledBrightness := fs.Int("led-brightness", -1, "config-write: new LED brightness (-1 = unset)")
	touchTimeout := fs.Int("touch-timeout", -1, "config-write: new touch timeout in milliseconds (-1 = unset)")
	dimmable := fs.Bool("dimmable", false, "config-write: set the dimmable behavior flag")
	disablePowerReset := fs.Bool("disable-power-reset", false, "config-write: set the disable-power-reset behavior flag")
	ledSteady := fs.Bool("led-steady", false, "config-write: set the led-steady behavior flag")
	if err := fs.Parse(args); err != nil {
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("fido2ctl: received signal %v, shutting down", sig)
		cancel()
		go func() {
			time.Sleep(3 * time.Second)
			log.Printf("fido2ctl: force exit after grace period")
			os.Exit(1)
		}()
	}()

	dev, err := device.Open(uint16(*vid), uint16(*pid))
	if err != nil {
		log.Fatalf("fido2ctl: open device: %v", err)
	}
	defer dev.Close()

	var result interface{}
	switch subcommand {
	case "info":
		result, err = runInfo(dev)
	case "details":
		result, err = dev.ReadDetails(ctx)
	case "memory":
		result, err = dev.ReadMemoryStats()
	case "physical":
		result, err = dev.ReadPhysicalOptions()
	case "pin-set":
		err = dev.SetPIN(ctx, requirePIN(*pinEnv))
	case "pin-change":
		currentPIN := requireEnv("FIDO2CTL_CURRENT_PIN")
		err = dev.ChangePIN(ctx, currentPIN, requirePIN(*pinEnv))
	case "pin-set-min-length":
		if fs.NArg() < 1 {
			log.Fatalf("fido2ctl: pin-set-min-length requires a NEWMIN argument")
		}
		newMin, perr := strconv.Atoi(fs.Arg(0))
		if perr != nil {
			log.Fatalf("fido2ctl: invalid NEWMIN: %v", perr)
		}
		err = dev.SetMinPINLength(ctx, requirePIN(*pinEnv), int32(newMin))
	case "creds-list":
		result, err = dev.ListCredentials(ctx, requirePIN(*pinEnv))
	case "creds-delete":
		if fs.NArg() < 1 {
			log.Fatalf("fido2ctl: creds-delete requires a CREDENTIAL_ID_HEX argument")
		}
		err = dev.DeleteCredential(ctx, requirePIN(*pinEnv), fs.Arg(0))
	case "config-write":
		err = dev.WriteConfig(ctx, requirePIN(*pinEnv), buildConfigInput(*newVID, *newPID, *ledGPIO, *ledBrightness, *touchTimeout, *dimmable, *disablePowerReset, *ledSteady))
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatalf("fido2ctl: %s: %v", subcommand, err)
	}

	if result != nil {
		fmt.Printf("%+v\n", result)
		if *exportPath != "" {
			if err := reportfile.Save(*exportPath, result); err != nil {
				log.Fatalf("fido2ctl: export: %v", err)
			}
		}
	}
}

func runInfo(dev *device.Device) (interface{}, error) {
	return dev.ReadInfo()
}

// buildConfigInput turns the config-write flags into a ConfigInput,
// leaving every field the caller didn't set as nil so device.WriteConfig
// skips it.
func buildConfigInput(vid, pid uint, ledGPIO, ledBrightness, touchTimeout int, dimmable, disablePowerReset, ledSteady bool) vendorext.ConfigInput {
	var cfg vendorext.ConfigInput
	if vid != 0 && pid != 0 {
		v, p := uint16(vid), uint16(pid)
		cfg.VID, cfg.PID = &v, &p
	}
	if ledGPIO >= 0 {
		g := int32(ledGPIO)
		cfg.LEDGpio = &g
	}
	if ledBrightness >= 0 {
		b := int32(ledBrightness)
		cfg.LEDBrightness = &b
	}
	if touchTimeout >= 0 {
		t := int32(touchTimeout)
		cfg.TouchTimeout = &t
	}
	if dimmable {
		cfg.Dimmable = &dimmable
	}
	if disablePowerReset {
		cfg.DisablePowerReset = &disablePowerReset
	}
	if ledSteady {
		cfg.LEDSteady = &ledSteady
	}
	return cfg
}

func requireEnv(name string) string {
	v := os.Getenv(name)
	if v == "" {
		log.Fatalf("fido2ctl: environment variable %s is not set", name)
	}
	return v
}

func requirePIN(pinEnv string) string {
	return requireEnv(pinEnv)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: fido2ctl <subcommand> [flags] [args]

subcommands:
  info                          read GetInfo
  details                       read info + memory stats + physical options
  memory                        read memory stats
  physical                      read physical (LED) options
  pin-set                       set the PIN for the first time
  pin-change                    change the PIN (needs FIDO2CTL_CURRENT_PIN)
  pin-set-min-length NEWMIN     set the minimum accepted PIN length
  creds-list                    list resident credentials
  creds-delete CREDENTIAL_ID    delete a resident credential (hex ID)
  config-write                  write physical/identity configuration

Run "fido2ctl <subcommand> -h" for that subcommand's flags.`)
}
