// Copyright 2023 The Cuber Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package limiter

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLimiterConcurrency(t *testing.T) {
	l := NewLimiter(LimitConfig{ReadConcurrency: 1, WriteConcurrency: 2})

	require.NoError(t, l.AcquireRead())
	require.ErrorIs(t, l.AcquireRead(), ErrLimitExceeded)
	require.Equal(t, 1, l.Status().ReadRunning)

	l.SetReadConcurrency(2)
	require.NoError(t, l.AcquireRead())
	l.ReleaseRead()
	l.ReleaseRead()
	require.Equal(t, 0, l.Status().ReadRunning)

	require.NoError(t, l.AcquireWrite())
	require.NoError(t, l.AcquireWrite())
	require.ErrorIs(t, l.AcquireWrite(), ErrLimitExceeded)
	l.ReleaseWrite()
	l.ReleaseWrite()
	require.Equal(t, 0, l.Status().WriteRunning)
}

func TestLimiterUnlimited(t *testing.T) {
	l := NewLimiter(LimitConfig{})
	require.NoError(t, l.AcquireRead())
	require.NoError(t, l.AcquireWrite())
	l.ReleaseRead()
	l.ReleaseWrite()

	// No rate configured: WaitN never blocks.
	require.NoError(t, l.Reader(context.Background(), nil).WaitN(1<<30))
	require.NoError(t, l.Writer(context.Background(), nil).WaitN(1<<30))
}

func TestLimiterRate(t *testing.T) {
	l := NewLimiter(LimitConfig{ReadMBPS: 1, WriteMBPS: 1})
	ctx := context.Background()

	src := bytes.NewBufferString("payload")
	r := l.Reader(ctx, src)
	buf := make([]byte, 7)
	n, err := r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.Equal(t, []byte("payload"), buf)

	var dst bytes.Buffer
	w := l.Writer(ctx, &dst)
	n, err = w.Write([]byte("payload"))
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.Equal(t, "payload", dst.String())

	// A canceled context surfaces instead of blocking on the rate.
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, l.Reader(canceled, src).WaitN(1<<20))

	l.SetReadMBPS(2)
	l.SetWriteMBPS(2)
	cfg := l.GetConfig()
	require.Equal(t, 2, cfg.ReadMBPS)
	require.Equal(t, 2, cfg.WriteMBPS)
}
