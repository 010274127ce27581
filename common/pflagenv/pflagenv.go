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
	"strings"

	"github.com/spf13/pflag"
)

// ParseFlagSet fills in flags that were not given on the command line from
// the environment: a flag named poll-interval with prefix "RTTHOST_" picks
// up RTTHOST_POLL_INTERVAL. A flag explicitly set to an empty value keeps
// it; only genuinely unset flags are filled in.
//
// Call it after Parse has run on the FlagSet.
func ParseFlagSet(fs *pflag.FlagSet, envPrefix string) {
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		v := os.Getenv(envName(f.Name, envPrefix))
		if v == "" {
			return
		}
		if err := f.Value.Set(v); err == nil {
			f.Changed = true
		}
	})
}

// Parse is ParseFlagSet on pflag.CommandLine.
func Parse(envPrefix string) {
	ParseFlagSet(pflag.CommandLine, envPrefix)
}

func envName(flagName, envPrefix string) string {
	return envPrefix + strings.Replace(strings.ToUpper(flagName), "-", "_", -1)
}
