package connector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEditorEmitsLineOnCRLF(t *testing.T) {
	dummy, err := NewDummyConnection("d")
	require.NoError(t, err)
	e := NewEditor(dummy, true)

	dummy.Send(NewDataMessage([]byte("hi\r\n")))
	_, _ = dummy.Recv() // echo "h"
	_, _ = dummy.Recv() // echo "i"

	var lines []Message
	for i := 0; i < 1; i++ {
		lines = append(lines, recvFrom(t, e.FromConn()))
	}
	line, ok := lines[0].(LineMessage)
	require.True(t, ok)
	assert.Equal(t, "hi", line.Text)
}

func TestEditorEchoesPrintableCharsWhenEnabled(t *testing.T) {
	dummy, err := NewDummyConnection("d")
	require.NoError(t, err)
	NewEditor(dummy, true)

	dummy.Send(NewDataMessage([]byte("a")))

	m, ok := dummy.Recv()
	require.True(t, ok)
	data := m.(DataMessage)
	assert.Equal(t, "a", data.String())
}

func TestEditorSuppressesEchoWhenDisabled(t *testing.T) {
	dummy, err := NewDummyConnection("d")
	require.NoError(t, err)
	e := NewEditor(dummy, false)
	assert.False(t, e.Echo())

	dummy.Send(NewDataMessage([]byte("a")))

	select {
	case <-dummy.toConn:
		t.Fatal("unexpected echo while echo is disabled")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEditorSetEchoTakesEffectImmediately(t *testing.T) {
	dummy, err := NewDummyConnection("d")
	require.NoError(t, err)
	e := NewEditor(dummy, false)

	e.SetEcho(true)
	assert.True(t, e.Echo())

	dummy.Send(NewDataMessage([]byte("x")))
	m, ok := dummy.Recv()
	require.True(t, ok)
	assert.Equal(t, "x", m.(DataMessage).String())
}

func TestEditorBackspaceRemovesLastChar(t *testing.T) {
	dummy, err := NewDummyConnection("d")
	require.NoError(t, err)
	e := NewEditor(dummy, true)

	dummy.Send(NewDataMessage([]byte("ab")))
	_, _ = dummy.Recv() // echo "a"
	_, _ = dummy.Recv() // echo "b"

	dummy.Send(NewDataMessage([]byte{0x7F}))
	m, ok := dummy.Recv()
	require.True(t, ok)
	assert.Equal(t, "\b \b", m.(DataMessage).String())

	dummy.Send(NewDataMessage([]byte("\r\n")))
	line := recvFrom(t, e.FromConn())
	assert.Equal(t, "a", line.(LineMessage).Text)
}

func TestEditorCtrlCTerminatesWithInterruptReason(t *testing.T) {
	dummy, err := NewDummyConnection("d")
	require.NoError(t, err)
	e := NewEditor(dummy, false)

	dummy.Send(NewDataMessage([]byte{0x03}))

	m := recvFrom(t, e.FromConn())
	term, ok := m.(TerminateMessage)
	require.True(t, ok)
	assert.Equal(t, "client-interrupt", term.Reason)
}

func TestEditorCtrlDOnEmptyLineTerminatesWithEOFReason(t *testing.T) {
	dummy, err := NewDummyConnection("d")
	require.NoError(t, err)
	e := NewEditor(dummy, false)

	dummy.Send(NewDataMessage([]byte{0x04}))

	m := recvFrom(t, e.FromConn())
	term, ok := m.(TerminateMessage)
	require.True(t, ok)
	assert.Equal(t, "client-eof", term.Reason)
}

func TestEditorInvalidUTF8IsRepairedNotDropped(t *testing.T) {
	dummy, err := NewDummyConnection("d")
	require.NoError(t, err)
	e := NewEditor(dummy, false)

	dummy.Send(NewDataMessage([]byte{0xFF, '\r', '\n'}))

	m := recvFrom(t, e.FromConn())
	line, ok := m.(LineMessage)
	require.True(t, ok)
	assert.Contains(t, line.Text, "�")
}
