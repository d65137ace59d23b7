package join

import (
	"os"

	"github.com/rs/zerolog"
)

// UpdateFileTimes copies inputPath's timestamp onto outputPath: creation
// time on Windows, modification time elsewhere. Action-camera chapters
// inherit their timestamp from the recording moment; once joined, the
// merged file should carry the first chapter's timestamp rather than the
// time the join happened to run. Failures are logged, not propagated —
// a stale timestamp on the output is cosmetic, not a join failure.
func UpdateFileTimes(inputPath, outputPath string, log zerolog.Logger) {
	info, err := os.Stat(inputPath)
	if err != nil {
		log.Warn().Err(err).Str("path", inputPath).Msg("could not stat input for file times")
		return
	}
	if err := setFileTimes(outputPath, info); err != nil {
		log.Warn().Err(err).Str("path", outputPath).Msg("could not update output file times")
		return
	}
	log.Debug().Str("from", inputPath).Str("to", outputPath).Msg("copied file times")
}
