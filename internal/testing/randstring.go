// Package testing holds fixture generators shared by package tests.
package testing

import (
	"math/rand"
	"strconv"
	"strings"
)

const charSet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// RandString generates random string with 10 symbols length from lower- and uppercase alphabet
func RandString() string {
	return randString(10)
}

// RandChannelKey returns a well-formed channel key with random server id and channel name,
// e.g. "17-kQzWbnTaep"
func RandChannelKey() string {
	return strconv.Itoa(rand.Intn(1000)+1) + "-" + randString(10)
}

func randString(length int) string {
	var out strings.Builder
	out.Grow(length)
	for i := 0; i < length; i++ {
		out.WriteByte(charSet[rand.Intn(len(charSet))])
	}
	return out.String()
}
