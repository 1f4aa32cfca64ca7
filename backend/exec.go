/*
   mailkeys - mail identity key cache
   Copyright (C) 2026  The mailkeys Authors

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as published by
   the Free Software Foundation, version 3.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <http://www.gnu.org/licenses/>.
*/

package backend

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/pkg/errors"
)

// Exec runs an external process to completion. A non-zero exit status is
// reported in the result, not as an error.
func Exec(ctx context.Context, path string, args []string, stdin []byte) (*ProcessResult, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	err := cmd.Run()
	result := &ProcessResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "cannot run %s", path)
	}
	return result, nil
}
