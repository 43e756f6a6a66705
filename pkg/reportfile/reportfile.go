// Package reportfile saves and loads CLI-facing JSON reports (device
// details, credential listings) to disk. This is a CLI convenience
// export only; no protocol layer reads or writes files.
package reportfile

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
)

// Save marshals v as indented JSON and writes it to filename.
func Save(filename string, v interface{}) error {
	log.Printf("reportfile: saving report to %s", filename)

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("reportfile: marshal report: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("reportfile: write %s: %w", filename, err)
	}

	log.Printf("reportfile: saved report to %s", filename)
	return nil
}

// Load reads filename and unmarshals it into v.
func Load(filename string, v interface{}) error {
	log.Printf("reportfile: loading report from %s", filename)

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("reportfile: read %s: %w", filename, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("reportfile: unmarshal %s: %w", filename, err)
	}

	log.Printf("reportfile: loaded report from %s", filename)
	return nil
}
