package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/xtopbot/xtopsupport/xtopsupport"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := xtopsupport.Version
	originalCommitSHA := xtopsupport.CommitSHA
	originalBuildTime := xtopsupport.BuildTime

	t.Cleanup(
		func() {
			xtopsupport.Version = originalVersion
			xtopsupport.CommitSHA = originalCommitSHA
			xtopsupport.BuildTime = originalBuildTime
		},
	)

	xtopsupport.Version = "1.0.0"
	xtopsupport.CommitSHA = "abc123"
	xtopsupport.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	// Capture the output
	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", string(out))
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		xtopsupport.Version,
		xtopsupport.CommitSHA,
		xtopsupport.BuildTime,
	)
	assert.Equal(t, expected, output)
}
