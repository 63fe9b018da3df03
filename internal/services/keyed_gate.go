package services

import (
	"context"
	"sync"
)

// keyedGate даёт одного писателя на ключ (код купона) внутри процесса.
// Слоты разных ключей независимы; слот удаляется, когда его никто не ждёт.
type keyedGate struct {
	mu    sync.Mutex
	slots map[string]*gateSlot
}

type gateSlot struct {
	ch   chan struct{}
	refs int
}

func newKeyedGate() *keyedGate {
	return &keyedGate{slots: make(map[string]*gateSlot)}
}

// Acquire ждёт слот ключа или отмены контекста. Возвращённую функцию
// нужно вызвать ровно один раз; повторный вызов ничего не делает.
func (g *keyedGate) Acquire(ctx context.Context, key string) (func(), error) {
	g.mu.Lock()
	slot, ok := g.slots[key]
	if !ok {
		slot = &gateSlot{ch: make(chan struct{}, 1)}
		g.slots[key] = slot
	}
	slot.refs++
	g.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-slot.ch
				g.unref(key, slot)
			})
		}, nil
	case <-ctx.Done():
		g.unref(key, slot)
		return nil, ctx.Err()
	}
}

func (g *keyedGate) unref(key string, slot *gateSlot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(g.slots, key)
	}
}

func (g *keyedGate) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots)
}
