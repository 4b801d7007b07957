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

// Command http-loadgen replays synthetic chat traffic against a running
// guildest core: every message is a spam check followed by an activity record,
// the same pair a bot issues per inbound message. With -transcribe_every > 0 a
// transcription write is added every N messages.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type modeType string

const (
	// modeSingle sends every message to one scope.
	modeSingle modeType = "single"
	// modeZipf sends most messages to a hot scope and the rest round-robin to cold ones.
	modeZipf modeType = "zipf"
)

func main() {
	var (
		base     = flag.String("base", "http://127.0.0.1:8080", "Base URL including scheme and host")
		modeS    = flag.String("mode", string(modeSingle), "Mode: single|zipf")
		scope    = flag.Uint64("scope", 1, "Scope id for single mode (hot scope in zipf mode)")
		coldN    = flag.Int("cold_scopes", 50, "Number of cold scopes to round-robin in zipf mode")
		users    = flag.Int("users", 20, "Distinct users per scope")
		N        = flag.Int("n", 5000, "Total messages to send")
		conc     = flag.Int("c", 8, "Number of concurrent workers")
		hotEvery = flag.Int("hot_every", 5, "Zipf-like skew period (4 of this period go to hot; minimum 2)")
		txEvery  = flag.Int("transcribe_every", 0, "If > 0, also enqueue a transcription every N messages")
		timeout  = flag.Duration("timeout", 20*time.Second, "Overall timeout for the loadgen run")
		maxIdle  = flag.Int("max_idle", 256, "Max idle connections per host")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	if m != modeSingle && m != modeZipf {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want single|zipf)\n", *modeS)
		os.Exit(2)
	}
	if *N <= 0 || *conc <= 0 || *users <= 0 {
		fmt.Fprintln(os.Stderr, "-n, -c and -users must be > 0")
		os.Exit(2)
	}
	if m == modeZipf {
		if *coldN <= 0 {
			fmt.Fprintln(os.Stderr, "-cold_scopes must be > 0 in zipf mode")
			os.Exit(2)
		}
		if *hotEvery < 2 {
			*hotEvery = 2
		}
	}

	baseURL := strings.TrimRight(*base, "/")
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        *maxIdle,
		MaxIdleConnsPerHost: *maxIdle,
		IdleConnTimeout:     30 * time.Second,
	}
	client := &http.Client{Transport: tr, Timeout: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var spam, triggers, errs, sent atomic.Int64

	post := func(path string, body any) map[string]any {
		b, _ := json.Marshal(body)
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			errs.Add(1)
			// Brief backoff on errors to avoid hot spinning
			time.Sleep(200 * time.Microsecond)
			return nil
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			errs.Add(1)
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		var out map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&out)
		return out
	}

	worker := func(id, count int) {
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s := *scope
			if m == modeZipf && (i+id)%*hotEvery == 0 {
				s = *scope + uint64((i+id)%*coldN) + 1
			}
			user := uint64(1000 + (i*7+id)%*users)

			if out := post("/v1/spam", map[string]any{"user_id": user}); out["spam"] == true {
				spam.Add(1)
			}
			if out := post("/v1/activity", map[string]any{"scope_id": s, "user_id": user, "content": "msg"}); out["trigger"] == true {
				triggers.Add(1)
			}
			n := sent.Add(1)
			if *txEvery > 0 && n%int64(*txEvery) == 0 {
				post("/v1/transcriptions", map[string]any{
					"scope_id": s, "sub_scope_id": s, "user_id": user, "content": "synthetic transcription", "duration_secs": 1.0,
				})
			}
		}
	}

	start := time.Now()
	per := *N / *conc
	rem := *N - per**conc
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		go func(id, n int) {
			defer wg.Done()
			worker(id, n)
		}(w, count)
	}
	wg.Wait()
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	ops := float64(sent.Load()) / elapsed.Seconds()
	fmt.Printf("LoadGen: mode=%s N=%d c=%d go=%d Duration=%s Throughput=%.0f msg/s spam=%d triggers=%d errors=%d\n",
		m, sent.Load(), *conc, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond), ops, spam.Load(), triggers.Load(), errs.Load())
}
