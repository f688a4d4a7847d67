package main

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wav(t *testing.T, channels uint16, rate uint32, samples []int16) []byte {
	t.Helper()
	var data bytes.Buffer
	for _, s := range samples {
		require.NoError(t, binary.Write(&data, binary.LittleEndian, s))
	}

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+data.Len()))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, channels)
	binary.Write(&buf, binary.LittleEndian, rate)
	binary.Write(&buf, binary.LittleEndian, rate*uint32(channels)*2)
	binary.Write(&buf, binary.LittleEndian, channels*2)
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(data.Len()))
	buf.Write(data.Bytes())
	return buf.Bytes()
}

func TestParseWAVMono(t *testing.T) {
	pcm, rate, err := parseWAV(wav(t, 1, 16000, []int16{1, -1, 2}))
	require.NoError(t, err)
	assert.Equal(t, 16000, rate)
	assert.Len(t, pcm, 6)
}

func TestParseWAVStereoKeepsLeftChannel(t *testing.T) {
	pcm, rate, err := parseWAV(wav(t, 2, 48000, []int16{10, 99, 20, 99}))
	require.NoError(t, err)
	assert.Equal(t, 48000, rate)
	require.Len(t, pcm, 4)
	assert.Equal(t, int16(10), int16(binary.LittleEndian.Uint16(pcm[0:])))
	assert.Equal(t, int16(20), int16(binary.LittleEndian.Uint16(pcm[2:])))
}

func TestParseWAVRejectsNonPCM(t *testing.T) {
	_, _, err := parseWAV([]byte("RIFF\x00\x00\x00\x00WAVX"))
	assert.Error(t, err)
}

func TestToneEndsInSilence(t *testing.T) {
	pcm := tone(16000, 500*time.Millisecond)
	require.Len(t, pcm, (8000+16000)*2)

	var voiced bool
	for i := 0; i < 8000*2; i += 2 {
		if binary.LittleEndian.Uint16(pcm[i:]) != 0 {
			voiced = true
			break
		}
	}
	assert.True(t, voiced)
	assert.Equal(t, make([]byte, 16000*2), pcm[8000*2:])
}

func TestWebsocketURL(t *testing.T) {
	got, err := websocketURL("https://voice.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "wss://voice.example.com/ws", got)

	got, err = websocketURL("http://localhost:8080")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/ws", got)
}
