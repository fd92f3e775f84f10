package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yatesdr/plctag/plctag"
)

func newReadCmd() *cobra.Command {
	f := &tagFlags{}
	var kind string
	var byteOffset int

	cmd := &cobra.Command{
		Use:   "read <tag-name>",
		Short: "Read a tag and print its value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tagName := args[0]

			handle, err := createAndWait(f, tagName)
			if err != nil {
				return err
			}
			defer plctag.Destroy(handle)

			if st := plctag.Read(handle, f.timeoutMs); st != plctag.StatusOK && st != plctag.StatusPending {
				return fmt.Errorf("read: %s", st)
			}
			if st := waitForStatus(handle, time.Duration(f.timeoutMs)*time.Millisecond); st != plctag.StatusOK {
				return fmt.Errorf("read: %s", st)
			}

			value, err := decodeForPrint(handle, kind, byteOffset)
			if err != nil {
				return err
			}
			fmt.Printf("%s = %v\n", tagName, value)
			return nil
		},
	}

	addTagFlags(cmd, f)
	cmd.Flags().StringVar(&kind, "type", "int", "value type to decode: int, float32, bit")
	cmd.Flags().IntVar(&byteOffset, "offset", 0, "byte offset within the tag's payload")
	return cmd
}

func decodeForPrint(handle int32, kind string, byteOffset int) (interface{}, error) {
	switch kind {
	case "bit":
		v, st := plctag.GetBit(handle)
		if st != plctag.StatusOK {
			return nil, fmt.Errorf("get bit: %s", st)
		}
		return v, nil
	case "float32":
		v, st := plctag.GetFloat32(handle, byteOffset)
		if st != plctag.StatusOK {
			return nil, fmt.Errorf("get float32: %s", st)
		}
		return v, nil
	case "int":
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
		v, st := plctag.GetIntN(handle, byteOffset, n)
		if st != plctag.StatusOK {
			return nil, fmt.Errorf("get int: %s", st)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown --type %q", kind)
	}
}
