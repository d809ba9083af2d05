package main

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
)

// RunSetup walks through the credentials the server needs and writes
// them to config.yaml in the working directory.
func RunSetup() {
	log.Info("Starting Murmaid setup...")

	assemblyAIKey := viper.GetString("assemblyai_api_key")
	openaiAPIKey := viper.GetString("openai_api_key")
	port := fmt.Sprintf("%d", viper.GetInt("port"))

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Enter your AssemblyAI API Key").
				Value(&assemblyAIKey),
			huh.NewInput().
				Title("Enter your OpenAI API Key").
				Value(&openaiAPIKey),
			huh.NewInput().
				Title("HTTP port").
				Value(&port),
		),
	)

	if err := form.Run(); err != nil {
		log.Fatal("Error during setup", "error", err)
	}

	viper.Set("assemblyai_api_key", assemblyAIKey)
	viper.Set("openai_api_key", openaiAPIKey)
	viper.Set("port", port)

	if err := viper.WriteConfigAs("config.yaml"); err != nil {
		log.Fatal("Failed to write config file", "error", err)
	}

	log.Info("Configuration saved", "file", "config.yaml")
	log.Info("Run `murmaid serve` to start the server")
}
