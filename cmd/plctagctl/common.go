package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yatesdr/plctag/gatewaydb"
	"github.com/yatesdr/plctag/plctag"
)

// tagFlags holds the connection/addressing flags shared by read and write.
type tagFlags struct {
	gateway   string
	path      string
	cpu       string
	preset    string
	elemSize  int
	elemCount int
	connected bool
	timeoutMs int
}

func addTagFlags(cmd *cobra.Command, f *tagFlags) {
	cmd.Flags().StringVar(&f.gateway, "gateway", "", "gateway IP or hostname")
	cmd.Flags().StringVar(&f.path, "path", "", "CIP connection path (e.g. \"1,0\")")
	cmd.Flags().StringVar(&f.cpu, "cpu", "LGX", "PLC family (PLC5, SLC, MLGX, LGX, Micro800, OMRON-NJNX)")
	cmd.Flags().StringVar(&f.preset, "preset", "", "named gateway preset from the preset file (overrides gateway/path/cpu)")
	cmd.Flags().IntVar(&f.elemSize, "elem-size", 4, "element size in bytes")
	cmd.Flags().IntVar(&f.elemCount, "elem-count", 1, "element count")
	cmd.Flags().BoolVar(&f.connected, "connected", false, "use a connected (Class 3) message instead of unconnected")
	cmd.Flags().IntVar(&f.timeoutMs, "timeout-ms", 3000, "milliseconds to wait for create/read/write to finish")
}

// attrString renders f and tagName into a plctag.Create attribute string,
// substituting a named preset's fields when one is given.
func (f *tagFlags) attrString(tagName string) (string, error) {
	if f.preset != "" {
		db, err := gatewaydb.Load(gatewaydb.DefaultPath())
		if err != nil {
			return "", fmt.Errorf("load presets: %w", err)
		}
		p := db.Find(f.preset)
		if p == nil {
			return "", fmt.Errorf("no preset named %q", f.preset)
		}
		return p.AttrString(tagName, f.elemCount), nil
	}

	if f.gateway == "" {
		return "", fmt.Errorf("--gateway or --preset is required")
	}

	s := fmt.Sprintf("protocol=ab_eip&gateway=%s&cpu=%s&name=%s&elem_size=%d&elem_count=%d",
		f.gateway, f.cpu, tagName, f.elemSize, f.elemCount)
	if f.path != "" {
		s += "&path=" + f.path
	}
	if f.connected {
		s += "&use_connected_msg=true"
	}
	return s, nil
}

// createAndWait creates a tag and blocks (up to f.timeoutMs) for it to leave
// StateInit, returning an error if creation failed outright.
func createAndWait(f *tagFlags, tagName string) (int32, error) {
	attr, err := f.attrString(tagName)
	if err != nil {
		return 0, err
	}

	handle, status := plctag.Create(attr, f.timeoutMs)
	if status != plctag.StatusOK && status != plctag.StatusPending {
		return handle, fmt.Errorf("create: %s", status)
	}
	return handle, nil
}

// waitForStatus polls handle's status until it stops being PENDING or the
// deadline elapses.
func waitForStatus(handle int32, timeout time.Duration) plctag.Status {
	deadline := time.Now().Add(timeout)
	for {
		st := plctag.GetStatus(handle)
		if st != plctag.StatusPending {
			return st
		}
		if time.Now().After(deadline) {
			return plctag.StatusErrTimeout
		}
		time.Sleep(10 * time.Millisecond)
	}
}
