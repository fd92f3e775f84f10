package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/yatesdr/plctag/plctag"
)

func newWriteCmd() *cobra.Command {
	f := &tagFlags{}
	var kind string
	var byteOffset int

	cmd := &cobra.Command{
		Use:   "write <tag-name> <value>",
		Short: "Write a value into a tag",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tagName, rawValue := args[0], args[1]

			handle, err := createAndWait(f, tagName)
			if err != nil {
				return err
			}
			defer plctag.Destroy(handle)

			if st := waitForStatus(handle, time.Duration(f.timeoutMs)*time.Millisecond); st != plctag.StatusOK {
				return fmt.Errorf("create: %s", st)
			}

			if err := setForWrite(handle, kind, byteOffset, rawValue); err != nil {
				return err
			}

			if st := plctag.Write(handle, f.timeoutMs); st != plctag.StatusOK && st != plctag.StatusPending {
				return fmt.Errorf("write: %s", st)
			}
			if st := waitForStatus(handle, time.Duration(f.timeoutMs)*time.Millisecond); st != plctag.StatusOK {
				return fmt.Errorf("write: %s", st)
			}

			fmt.Printf("%s = %s (ok)\n", tagName, rawValue)
			return nil
		},
	}

	addTagFlags(cmd, f)
	cmd.Flags().StringVar(&kind, "type", "int", "value type to encode: int, float32, bit")
	cmd.Flags().IntVar(&byteOffset, "offset", 0, "byte offset within the tag's payload")
	return cmd
}

func setForWrite(handle int32, kind string, byteOffset int, rawValue string) error {
	switch kind {
	case "bit":
		v, err := strconv.ParseBool(rawValue)
		if err != nil {
			return fmt.Errorf("invalid bool %q: %w", rawValue, err)
		}
		if st := plctag.SetBit(handle, v); st != plctag.StatusOK {
			return fmt.Errorf("set bit: %s", st)
		}
	case "float32":
		v, err := strconv.ParseFloat(rawValue, 32)
		if err != nil {
			return fmt.Errorf("invalid float32 %q: %w", rawValue, err)
		}
		if st := plctag.SetFloat32(handle, byteOffset, float32(v)); st != plctag.StatusOK {
			return fmt.Errorf("set float32: %s", st)
		}
	case "int":
		v, err := strconv.ParseInt(rawValue, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid int %q: %w", rawValue, err)
		}
		size, _ := plctag.GetSize(handle)
		n := size - byteOffset
		switch {
		case n >= 8:
			n = 8
		case n >= 4:
			n = 4
		case n >= 2:
			n = 2
		default:
			n = 1
		}
		if st := plctag.SetIntN(handle, byteOffset, n, v); st != plctag.StatusOK {
			return fmt.Errorf("set int: %s", st)
		}
	default:
		return fmt.Errorf("unknown --type %q", kind)
	}
	return nil
}
