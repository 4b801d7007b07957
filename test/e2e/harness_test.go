//go:build e2e

// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

type runningServer struct {
	cmd       *exec.Cmd
	baseURL   string
	logLinesC chan string
	exited    chan error
}

// buildAndStartServer builds cmd/guildest-core into a temp dir, launches it on
// a free port with the given flags and returns once /healthz answers.
// Cleanup kills the process if the test did not stop it.
func buildAndStartServer(t *testing.T, extraArgs ...string) *runningServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	tmpDir := t.TempDir()
	exe := filepath.Join(tmpDir, exeName("guildest-core"))
	build := exec.Command("go", "build", "-o", exe, "guildest/cmd/guildest-core")
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		t.Fatalf("failed to build server: %v", err)
	}

	args := []string{
		"--http.addr=" + addr,
		"--log.format=json",
		"--log.level=info",
	}
	args = append(args, extraArgs...)

	cmd := exec.Command(exe, args...)
	cmd.Dir = tmpDir // keep a developer's .env out of the run
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatalf("StdoutPipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.Fatalf("StderrPipe: %v", err)
	}

	logC := make(chan string, 1024)
	go scanLines(stdout, logC)
	go scanLines(stderr, logC)

	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	_ = waitForLog(logC, "guildest core listening", 3*time.Second)
	base := "http://" + addr
	client := &http.Client{Timeout: 500 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok := false
	for ctx.Err() == nil {
		resp, err := client.Get(base + "/healthz")
		if err == nil {
			resp.Body.Close()
			ok = resp.StatusCode == http.StatusOK
			if ok {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !ok {
		_ = cmd.Process.Kill()
		t.Fatalf("server did not become ready (HTTP check failed)")
	}

	rs := &runningServer{cmd: cmd, baseURL: base, logLinesC: logC, exited: exited}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		select {
		case <-exited:
		case <-time.After(2 * time.Second):
		}
	})
	return rs
}

// stop sends SIGINT (kill on Windows) and waits for the process to exit.
func (rs *runningServer) stop(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		_ = rs.cmd.Process.Kill()
	} else {
		_ = rs.cmd.Process.Signal(os.Interrupt)
	}
	select {
	case <-rs.exited:
	case <-time.After(10 * time.Second):
		t.Fatalf("server did not exit after interrupt")
	}
}

func (rs *runningServer) postJSON(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(rs.baseURL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

// scanLines forwards every line of the child's output to out.
func scanLines(r io.ReadCloser, out chan<- string) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		select {
		case out <- s.Text():
		default: // tests only look for a few lines; never block the child
		}
	}
}

// waitForLog blocks until a log line containing needle appears or timeout elapses.
func waitForLog(logC <-chan string, needle string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case line := <-logC:
			if strings.Contains(line, needle) {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

func exeName(base string) string {
	if runtime.GOOS == "windows" {
		return base + ".exe"
	}
	return base
}

func uniq(prefix string) string { return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano()) }
