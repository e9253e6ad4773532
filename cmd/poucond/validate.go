package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tankwanghow/poucon/internal/bus"
	"github.com/tankwanghow/poucon/internal/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the configured database and report any rejected equipment or rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(viper.GetString("db"))
		},
	}
}

func runValidate(dsn string) error {
	store, err := config.Open(dsn, bus.New())
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	defer store.Close()

	fmt.Printf("ports: %d\n", len(store.Ports()))
	fmt.Printf("data_points: %d\n", len(store.DataPoints()))
	fmt.Printf("equipment: %d\n", len(store.Equipment()))
	fmt.Printf("interlock_rules: %d\n", len(store.InterlockRules()))
	fmt.Printf("schedules: %d\n", len(store.Schedules()))
	fmt.Println("configuration loaded without rejection")
	return nil
}
