package httpx

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultReason(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "OK", DefaultReason(200))
	assert.Equal(t, "Not Found", DefaultReason(404))
	assert.Equal(t, "Unknown", DefaultReason(299))
}

func TestDate(t *testing.T) {
	t.Parallel()

	moment := time.Date(2016, 11, 12, 9, 30, 0, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "Sat, 12 Nov 2016 08:30:00 GMT", Date(moment), "always GMT")
}

func TestNiceHeaderName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Cache-Control", NiceHeaderName("cache-control"))
	assert.Equal(t, "X-Foo", NiceHeaderName("X-FOO"))
}

func TestHostHeader(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "example.com", HostHeader("example.com", 80, false))
	assert.Equal(t, "example.com", HostHeader("example.com", 443, true))
	assert.Equal(t, "example.com:443", HostHeader("example.com", 443, false))
	assert.Equal(t, "example.com:8080", HostHeader("example.com", 8080, false))
	assert.Equal(t, "[2001:db8::1]:8080", HostHeader("2001:db8::1", 8080, false))
}

func TestIsToken(t *testing.T) {
	t.Parallel()

	assert.True(t, IsToken("GET"))
	assert.True(t, IsToken("X-Custom-Header"))
	assert.False(t, IsToken(""))
	assert.False(t, IsToken("has space"))
	assert.False(t, IsToken("colon:"))
}

func TestLoremIpsum(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))
	text := LoremIpsum(rng)
	assert.NotEmpty(t, text)
	assert.Equal(t, byte('.'), text[len(text)-1])
}
