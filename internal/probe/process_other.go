//go:build !unix

package probe

import (
	"os"
	"os/exec"
)

func configureProcessGroup(*exec.Cmd) {}

func killProcessGroup(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func isExecutable(info os.FileInfo) bool {
	return info.Mode().IsRegular()
}
