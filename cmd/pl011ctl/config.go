package main

import (
	"os"

	"github.com/tinyrange/pl011/internal/config"
)

func runConfig(args []string) error {
	fs, debug := newFlagSet("config", "Print the machine config with defaults applied.")
	configPath := fs.String("config", "", "Machine config file (YAML); the built-in default when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogging(*debug)

	cfg, err := loadMachineConfig(*configPath, "", "")
	if err != nil {
		return err
	}
	return config.Write(os.Stdout, cfg)
}
