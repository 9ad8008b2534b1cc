// Copyright © 2018 One Concern

// Package rand generates random payloads for tests
package rand

import (
	"bytes"
	"math/rand"
	"sync"
	"time"
)

var (
	onceSource  sync.Once
	rgen        *rand.Rand
	onceLetters sync.Once
	randMutex   sync.Mutex
	letters     []byte
)

func seed() {
	src := rand.NewSource(time.Now().UnixNano())
	rgen = rand.New(src) // #nosec
}

// Bytes returns a random slice of bytes
func Bytes(n int) []byte {
	onceSource.Do(seed)
	buf := make([]byte, n)
	randMutex.Lock() // the mutex doesn't add any significant time - alternative to mutex: singleton w/ goroutine
	_, _ = rgen.Read(buf)
	randMutex.Unlock()
	return buf
}

// LetterBytes returns a random slice of bytes picked in the [0-9]|[a-z] range.
// Such payloads compress well.
func LetterBytes(n int) []byte {
	onceLetters.Do(makeLetters)
	buf := Bytes(n)
	for i, b := range buf {
		buf[i] = letters[b]
	}
	return buf
}

// LetterString returns a random string picked in the [0-9]|[a-z] range
func LetterString(n int) string {
	return string(LetterBytes(n))
}

func makeLetters() {
	// adds "a" to pad over 256 locations (0-9 U a-z makes up to 252 only and we want to cover the range of uint8)
	// so the "a" is slightly more frequent than other signs. The trade-off here is speed over exact randomness
	letters = bytes.Repeat([]byte("abcdefghijklmnopqrstuvwxyz0123456789a"), 7)
}

// Stream returns a random stream of size bytes, built from a small set of distinct
// blocks of blockSize bytes so that splitting it yields duplicate chunks.
func Stream(size, blockSize, distinct int) []byte {
	if distinct < 1 {
		distinct = 1
	}
	blocks := make([][]byte, distinct)
	for i := range blocks {
		blocks[i] = Bytes(blockSize)
	}

	out := make([]byte, 0, size)
	for i := 0; len(out) < size; i++ {
		b := blocks[i%distinct]
		if rest := size - len(out); rest < len(b) {
			b = b[:rest]
		}
		out = append(out, b...)
	}
	return out
}
