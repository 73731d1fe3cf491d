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

package rescue

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestHandleCrashRecoversAndCountsPanic(t *testing.T) {
	before := testutil.ToFloat64(panicTotal)

	func() {
		defer HandleCrash()
		panic("boom")
	}()

	assert.Equal(t, before+1, testutil.ToFloat64(panicTotal))
}

func TestHandleCrashNoPanicIsNoop(t *testing.T) {
	before := testutil.ToFloat64(panicTotal)
	func() {
		defer HandleCrash()
	}()
	assert.Equal(t, before, testutil.ToFloat64(panicTotal))
}
