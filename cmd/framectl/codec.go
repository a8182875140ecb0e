package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/danmuck/framewire/internal/protocol/frame"
	"github.com/danmuck/framewire/internal/protocol/schema"
	"github.com/spf13/cobra"
)

type frameFlags struct {
	command string
	data    string
	hex     bool
}

func bindFrameFlags(cmd *cobra.Command, f *frameFlags) {
	cmd.Flags().StringVar(&f.command, "command", "data", "command name or numeric id")
	cmd.Flags().StringVar(&f.data, "data", "", "payload")
	cmd.Flags().BoolVar(&f.hex, "hex", false, "payload is hex encoded")
}

func (f frameFlags) frame() (frame.Frame, error) {
	cmd, err := schema.ParseCommand(f.command)
	if err != nil {
		return frame.Frame{}, err
	}
	payload := []byte(f.data)
	if f.hex {
		payload, err = hex.DecodeString(stripSpace(f.data))
		if err != nil {
			return frame.Frame{}, fmt.Errorf("decode payload hex: %w", err)
		}
	}
	return frame.New(cmd, payload), nil
}

func newEncodeCmd(root *rootFlags) *cobra.Command {
	var ff frameFlags
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Print the wire encoding of one frame as hex",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			f, err := ff.frame()
			if err != nil {
				return err
			}
			raw, err := frame.NewEncoder(cfg.FrameOptions()).Encode(f)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(raw))
			return err
		},
	}
	bindFrameFlags(cmd, &ff)
	return cmd
}

func newDecodeCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "decode [file]",
		Short: "Decode a hex frame stream from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				file, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer file.Close()
				in = file
			}
			_, err = decodeHexStream(in, cmd.OutOrStdout(), cfg.FrameOptions())
			return err
		},
	}
}

// decodeHexStream feeds hex text through a Decoder chunk by chunk and prints
// every complete frame. Whitespace in the input is ignored; an odd trailing
// nibble is carried into the next chunk.
func decodeHexStream(in io.Reader, out io.Writer, opts frame.Options) (int, error) {
	dec := frame.NewDecoder(opts)
	r := bufio.NewReader(in)
	buf := make([]byte, 4096)
	var pending []byte
	count := 0
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			pending = append(pending, stripSpace(string(buf[:n]))...)
			even := len(pending) &^ 1
			raw := make([]byte, even/2)
			if _, err := hex.Decode(raw, pending[:even]); err != nil {
				return count, fmt.Errorf("decode hex: %w", err)
			}
			pending = append(pending[:0], pending[even:]...)
			if err := dec.Feed(raw); err != nil {
				return count, err
			}
			for {
				f, ok, err := dec.Poll()
				if err != nil {
					return count, err
				}
				if !ok {
					break
				}
				count++
				if err := printFrame(out, f); err != nil {
					return count, err
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return count, rerr
		}
	}
	if len(pending) != 0 {
		return count, fmt.Errorf("decode hex: odd number of digits")
	}
	return count, dec.Close()
}

func printFrame(out io.Writer, f frame.Frame) error {
	_, err := fmt.Fprintf(out, "command=0x%04x (%s) len=%d payload=%s\n",
		f.Command, schema.CommandName(f.Command), len(f.Payload), hex.EncodeToString(f.Payload))
	return err
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
