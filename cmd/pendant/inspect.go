package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/MrWong99/pendant/pkg/audio"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <clip.wav>...",
		Short: "Print the format of recorded WAV clips",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				samples, format, err := audio.DecodeWAV(data)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Fprintf(out, "%s: %d Hz, %d ch, %d-bit, %d samples, %s\n",
					filepath.Base(path),
					format.SampleRate,
					format.Channels,
					format.BitsPerSample,
					len(samples),
					audio.SamplesDuration(len(samples), format.SampleRate),
				)
			}
			return nil
		},
	}
}
