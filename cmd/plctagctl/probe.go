package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yatesdr/plctag/eip"
)

func newProbeCmd() *cobra.Command {
	var gateway string
	var timeoutMs int

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect to a gateway and print its ListIdentity response",
		RunE: func(cmd *cobra.Command, args []string) error {
			if gateway == "" {
				return fmt.Errorf("--gateway is required")
			}

			timeout := time.Duration(timeoutMs) * time.Millisecond
			sess := eip.NewSession(gateway, timeout)

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			if err := sess.Connect(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer sess.Close()

			idents, err := sess.ListIdentityTCP(ctx)
			if err != nil {
				return fmt.Errorf("list identity: %w", err)
			}
			if len(idents) == 0 {
				fmt.Println("no identity items returned")
				return nil
			}

			for _, id := range idents {
				fmt.Printf("vendor=0x%04X device_type=0x%04X product_code=0x%04X revision=%d.%d product=%q serial=0x%08X state=%d\n",
					id.VendorID, id.DeviceType, id.ProductCode, id.RevisionMajor, id.RevisionMinor,
					id.ProductName, id.SerialNumber, id.State)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&gateway, "gateway", "", "gateway IP or hostname")
	cmd.Flags().IntVar(&timeoutMs, "timeout-ms", 3000, "connect/request timeout in milliseconds")
	return cmd
}
