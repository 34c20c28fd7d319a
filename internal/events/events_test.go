// SPDX-License-Identifier: MPL-2.0

package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBus_OnReceivesMatchingKind(t *testing.T) {
	b := New(nil, true)

	var got []Event
	b.On(KindStart, func(ev Event) { got = append(got, ev) })
	b.On(KindComplete, func(ev Event) { t.Fatal("wrong kind delivered") })

	b.Emit(Event{Kind: KindStart, CommandID: "c1"})

	require.Len(t, got, 1)
	require.Equal(t, "c1", got[0].CommandID)
	require.False(t, got[0].Timestamp.IsZero())
}

func TestBus_OnAllReceivesEveryKind(t *testing.T) {
	b := New(nil, true)

	var kinds []Kind
	b.OnAll(func(ev Event) { kinds = append(kinds, ev.Kind) })

	b.Emit(Event{Kind: KindStart})
	b.Emit(Event{Kind: KindStdout})
	b.Emit(Event{Kind: KindComplete})

	require.Equal(t, []Kind{KindStart, KindStdout, KindComplete}, kinds)
}

func TestBus_SubscriberPanicIsIsolated(t *testing.T) {
	b := New(nil, true)

	var delivered bool
	b.OnAll(func(Event) { panic("subscriber bug") })
	b.OnAll(func(Event) { delivered = true })

	require.NotPanics(t, func() { b.Emit(Event{Kind: KindError}) })
	require.True(t, delivered)
}

func TestBus_DisabledIsNoOp(t *testing.T) {
	b := New(nil, false)

	b.OnAll(func(Event) { t.Fatal("disabled bus delivered an event") })
	b.Emit(Event{Kind: KindStart})
}

func TestBus_DrainRemovesSubscribers(t *testing.T) {
	b := New(nil, true)

	var count int
	b.On(KindStart, func(Event) { count++ })
	b.Emit(Event{Kind: KindStart})
	require.Equal(t, 1, count)

	b.Drain()
	b.Emit(Event{Kind: KindStart})
	require.Equal(t, 1, count)
}

func TestBus_NilBusIsSafe(t *testing.T) {
	var b *Bus
	require.NotPanics(t, func() {
		b.On(KindStart, func(Event) {})
		b.Emit(Event{Kind: KindStart})
		b.Drain()
	})
}
