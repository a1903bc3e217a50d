package utils

import (
	"sync"
	"testing"

	"go.viam.com/test"
)

func TestRealtimeBufferEmpty(t *testing.T) {
	b := NewRealtimeBuffer[int]()
	_, ok := b.Read()
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, b.HasNewData(), test.ShouldBeFalse)
}

func TestRealtimeBufferWriteRead(t *testing.T) {
	b := NewRealtimeBuffer[int]()
	b.Write(7)
	test.That(t, b.HasNewData(), test.ShouldBeTrue)

	v, ok := b.Read()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v, test.ShouldEqual, 7)
	// the fresh flag transitions true->false exactly once per write
	test.That(t, b.HasNewData(), test.ShouldBeFalse)

	// the value stays readable after the flag clears
	v, ok = b.Read()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v, test.ShouldEqual, 7)
}

func TestRealtimeBufferLatestWins(t *testing.T) {
	b := NewRealtimeBuffer[int]()
	b.Write(1)
	b.Write(2)
	b.Write(3)
	v, ok := b.Read()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v, test.ShouldEqual, 3)
}

func TestRealtimeBufferReset(t *testing.T) {
	b := NewRealtimeBuffer[string]()
	b.Write("policy")
	b.Reset()
	_, ok := b.Read()
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, b.HasNewData(), test.ShouldBeFalse)
}

func TestRealtimeBufferConcurrent(t *testing.T) {
	b := NewRealtimeBuffer[int]()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			b.Write(i)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if v, ok := b.Read(); ok {
				test.That(t, v, test.ShouldBeBetweenOrEqual, 0, 999)
			}
		}
	}()
	wg.Wait()
	v, ok := b.Read()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v, test.ShouldEqual, 999)
}
