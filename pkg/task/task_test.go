// Copyright 2025 The Steplite Authors
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

package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.Register("orderService.validate", MockHandler{})

	h, ok := r.Lookup("orderService.validate")
	assert.True(t, ok)
	assert.NotNil(t, h)

	_, ok = r.Lookup("paymentService.charge")
	assert.False(t, ok)
	assert.True(t, r.Has("orderService.validate"))
	assert.Contains(t, r.Resources(), "orderService.validate")
}

func TestHandlerFunc(t *testing.T) {
	h := HandlerFunc(func(ctx context.Context, input map[string]any) Result {
		return Success(map[string]any{"echo": input["msg"]})
	})
	res := h.Execute(context.Background(), map[string]any{"msg": "hi"})
	assert.True(t, res.OK)
	assert.Equal(t, "hi", res.Output["echo"])
}

func TestMockHandlerPassThrough(t *testing.T) {
	res := MockHandler{}.Execute(context.Background(), map[string]any{"orderId": "X"})
	require.True(t, res.OK)
	assert.Equal(t, "X", res.Output["orderId"])
	assert.Contains(t, res.Output, "processedAt")
}

func TestMockHandlerSimulateError(t *testing.T) {
	res := MockHandler{}.Execute(context.Background(), map[string]any{
		"simulateError": true,
		"errorType":     "PaymentDeclined",
		"errorMessage":  "card expired",
	})
	assert.False(t, res.OK)
	assert.Equal(t, "PaymentDeclined", res.ErrorType)
	assert.Equal(t, "card expired", res.ErrorMessage)
}

func TestMockHandlerShouldFail(t *testing.T) {
	res := MockHandler{}.Execute(context.Background(), map[string]any{"shouldFail": true})
	assert.False(t, res.OK)
	assert.Equal(t, "ConditionalFailure", res.ErrorType)
}

func TestMockHandlerSleepHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := MockHandler{}.Execute(ctx, map[string]any{"sleepMs": float64(60000)})
	assert.False(t, res.OK)
	assert.Equal(t, "Interrupted", res.ErrorType)
}
