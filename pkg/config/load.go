package config

import (
	"log"
	"os"
)

// ValidateConfigPath checks a config file exists and warns if its
// permissions are looser than expected for a file that may carry a
// master key hex value.
func ValidateConfigPath(cfgPath string) error {
	if cfgPath == "" {
		return nil
	}

	info, err := os.Stat(cfgPath)
	if err != nil {
		return err
	}

	if info.Mode().Perm()&0o044 != 0 {
		log.Printf("WARNING: config file %s is readable by group/other; consider restricting permissions", cfgPath)
	}

	return nil
}
