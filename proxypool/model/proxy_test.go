package model

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAdjustReliability_StaysInBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	p := NewProxyRecord("1.2.3.4", 8080, "", "test", time.Now())
	for i := 0; i < 5000; i++ {
		p.AdjustReliability(rng.Intn(3) != 0)
		if p.Reliability < ReliabilityMin || p.Reliability > ReliabilityMax {
			t.Fatalf("reliability out of bounds after %d steps: %d", i, p.Reliability)
		}
	}
}

func TestAdjustReliability_Steps(t *testing.T) {
	p := NewProxyRecord("1.2.3.4", 8080, "http", "test", time.Now())
	p.AdjustReliability(true)
	assert.Equal(t, 5, p.Reliability)
	p.AdjustReliability(false)
	assert.Equal(t, 0, p.Reliability)

	for i := 0; i < 30; i++ {
		p.AdjustReliability(true)
	}
	assert.Equal(t, 100, p.Reliability)
	p.AdjustReliability(false)
	assert.Equal(t, 90, p.Reliability)
}

func TestKey_Format(t *testing.T) {
	p := NewProxyRecord("10.0.0.1", 3128, "", "x", time.Now())
	assert.Equal(t, "http", p.Protocol)
	assert.Equal(t, "10.0.0.1:3128", p.Addr())
	assert.Equal(t, "http://10.0.0.1:3128", p.String())
}

func TestClone_DetachesRounds(t *testing.T) {
	p := NewProxyRecord("10.0.0.1", 3128, "http", "x", time.Now())
	p.Rounds = []bool{true}
	c := p.Clone()
	c.Rounds[0] = false
	assert.True(t, p.Rounds[0])
}
