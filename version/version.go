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
package version

import (
	"regexp"
)

// Set at release time:
//
//	go build -ldflags "\
//	  -X github.com/mongoose-os/rtthost/version.Version=1.0 \
//	  -X github.com/mongoose-os/rtthost/version.BuildId=1.0+deadbeef \
//	  -X github.com/mongoose-os/rtthost/version.BuildTimestamp=2020-06-01T00:00:00Z"
var (
	Version        = "dev"
	BuildId        = "local"
	BuildTimestamp = ""
)

const LatestVersionName = "latest"

var regexpVersionNumber = regexp.MustCompile(`^\d+\.[0-9.]*$`)

// GetVersion returns this binary's version, or "latest" if it is not a
// release build.
func GetVersion() string {
	if LooksLikeVersionNumber(Version) {
		return Version
	}
	return LatestVersionName
}

func LooksLikeVersionNumber(s string) bool {
	return regexpVersionNumber.MatchString(s)
}
