package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yatesdr/plctag/gatewaydb"
)

func newPresetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "presets",
		Short: "List, add, and remove reusable gateway presets",
	}

	cmd.AddCommand(newPresetsListCmd())
	cmd.AddCommand(newPresetsAddCmd())
	cmd.AddCommand(newPresetsRemoveCmd())
	return cmd
}

func newPresetsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := gatewaydb.Load(gatewaydb.DefaultPath())
			if err != nil {
				return err
			}
			for _, name := range db.Names() {
				p := db.Find(name)
				fmt.Printf("%s\tgateway=%s\tcpu=%s\tpath=%s\n", p.Name, p.Gateway, p.CPU, p.Path)
			}
			return nil
		},
	}
}

func newPresetsAddCmd() *cobra.Command {
	var gateway, path, cpu string
	var elemSize int

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add or replace a preset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath := gatewaydb.DefaultPath()
			db, err := gatewaydb.Load(dbPath)
			if err != nil {
				return err
			}
			db.Add(gatewaydb.Preset{
				Name:     args[0],
				Gateway:  gateway,
				Path:     path,
				CPU:      cpu,
				ElemSize: elemSize,
			})
			return db.Save(dbPath)
		},
	}

	cmd.Flags().StringVar(&gateway, "gateway", "", "gateway IP or hostname")
	cmd.Flags().StringVar(&path, "path", "", "CIP connection path")
	cmd.Flags().StringVar(&cpu, "cpu", "LGX", "PLC family")
	cmd.Flags().IntVar(&elemSize, "elem-size", 0, "default element size in bytes")
	return cmd
}

func newPresetsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a preset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := gatewaydb.DefaultPath()
			db, err := gatewaydb.Load(path)
			if err != nil {
				return err
			}
			if !db.Remove(args[0]) {
				return fmt.Errorf("no preset named %q", args[0])
			}
			return db.Save(path)
		},
	}
}
