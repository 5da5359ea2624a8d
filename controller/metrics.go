// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kvbridge/respool/common"
)

var uptime = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: common.App,
	Name:      "uptime_seconds",
	Help:      "seconds since the process started",
})

var buildInfo = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: common.App,
	Name:      "build_info",
	Help:      "build metadata, always 1, labels carry the useful data",
}, []string{"version", "git_hash", "build_time"})
