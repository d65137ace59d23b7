// Command mp4join concatenates chaptered action-camera recordings into a
// single MP4/MOV file, merging sample tables and any Insta360 metadata
// trailer along the way.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/clipmerge/mp4join/join"
)

var (
	outFlag              string
	logLevelFlag         string
	readBufferFlag       int
	writeBufferFlag      int
	progressIntervalFlag time.Duration
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mp4join [flags] input1.mp4 input2.mp4 ...",
		Short: "Join chaptered MP4/MOV recordings into one file",
		Args:  cobra.ArbitraryArgs,
		RunE:  runJoin,
	}

	cmd.Flags().StringVar(&outFlag, "out", "", "output file path (default: <first input>_joined.mp4)")
	cmd.Flags().StringVar(&logLevelFlag, "log-level", "info", "log level: debug, info, warn, error")
	cmd.Flags().IntVar(&readBufferFlag, "read-buffer", 16*1024, "read buffer size in bytes (not used by the rewriter, which copies mdat in 1 MiB chunks)")
	cmd.Flags().IntVar(&writeBufferFlag, "write-buffer", 64*1024, "write buffer size in bytes (not used by the rewriter, which copies mdat in 1 MiB chunks)")
	cmd.Flags().DurationVar(&progressIntervalFlag, "progress-interval", 100*time.Millisecond, "minimum time between progress updates")

	viper.BindPFlag("out", cmd.Flags().Lookup("out"))
	viper.BindPFlag("log-level", cmd.Flags().Lookup("log-level"))
	viper.SetEnvPrefix("MP4JOIN")
	viper.AutomaticEnv()

	return cmd
}

func runJoin(cmd *cobra.Command, args []string) error {
	level, err := zerolog.ParseLevel(viper.GetString("log-level"))
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	var inputs []string
	output := viper.GetString("out")
	for _, a := range args {
		if _, err := os.Stat(a); err != nil {
			log.Warn().Str("path", a).Msg("input file does not exist, skipping")
			continue
		}
		inputs = append(inputs, a)
		if output == "" {
			dir, name := filepath.Split(a)
			output = filepath.Join(dir, name+"_joined.mp4")
		}
	}
	if len(inputs) == 0 {
		return fmt.Errorf("no valid input files")
	}
	if output == "" {
		return fmt.Errorf("output file not specified")
	}

	log.Info().Strs("inputs", inputs).Str("output", output).Msg("joining")

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = "  joining... 0.00%"
	if level >= zerolog.WarnLevel {
		s.Start()
		defer s.Stop()
	}

	progress := func(frac float64) {
		s.Suffix = fmt.Sprintf("  joining... %.2f%%", frac*100)
	}

	err = join.JoinFiles(inputs, output, progress,
		join.WithLogger(log),
		join.WithReadBufferSize(readBufferFlag),
		join.WithWriteBufferSize(writeBufferFlag),
		join.WithProgressInterval(progressIntervalFlag),
	)
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}
	s.Stop()

	join.UpdateFileTimes(inputs[0], output, log)

	fmt.Fprintf(os.Stdout, "%s\n", strings.TrimSpace(output))
	return nil
}
