//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
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
//
package pflagenv

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestParseFlagSet(t *testing.T) {
	fs := pflag.NewFlagSet("pflagenv-test", pflag.ContinueOnError)

	var myFlag1, myFlag2, myFlag3, myFlag4 string
	fs.StringVar(&myFlag1, "my-flag1", "def1", "")
	fs.StringVar(&myFlag2, "my-flag2", "def2", "")
	fs.StringVar(&myFlag3, "my-flag3", "def3", "")
	fs.StringVar(&myFlag4, "my-flag4", "def4", "")
	pollInterval := fs.Duration("poll-interval", 10*time.Millisecond, "")
	fs.Parse([]string{"--my-flag1=cl1", "--my-flag2="})

	os.Setenv("TEST_MY_FLAG1", "env1")
	os.Setenv("TEST_MY_FLAG2", "env2")
	os.Setenv("TEST_MY_FLAG3", "env3")
	os.Setenv("TEST_POLL_INTERVAL", "250ms")
	defer func() {
		os.Unsetenv("TEST_MY_FLAG1")
		os.Unsetenv("TEST_MY_FLAG2")
		os.Unsetenv("TEST_MY_FLAG3")
		os.Unsetenv("TEST_POLL_INTERVAL")
	}()
	ParseFlagSet(fs, "TEST_")

	// Given on the command line, the environment must not win.
	if got, want := myFlag1, "cl1"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}

	// Explicitly set to empty, also not overridden.
	if got, want := myFlag2, ""; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}

	if got, want := myFlag3, "env3"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}

	if got, want := myFlag4, "def4"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}

	if got, want := *pollInterval, 250*time.Millisecond; got != want {
		t.Errorf("got: %s, want: %s", got, want)
	}
}

func TestParseFlagSetBadValue(t *testing.T) {
	fs := pflag.NewFlagSet("pflagenv-test", pflag.ContinueOnError)
	n := fs.Int("my-num", 42, "")
	fs.Parse(nil)

	os.Setenv("TEST_MY_NUM", "not-a-number")
	defer os.Unsetenv("TEST_MY_NUM")
	ParseFlagSet(fs, "TEST_")

	// A malformed environment value leaves the default in place.
	if got, want := *n, 42; got != want {
		t.Errorf("got: %d, want: %d", got, want)
	}
	if f := fs.Lookup("my-num"); f.Changed {
		t.Errorf("flag marked changed after a failed set")
	}
}
