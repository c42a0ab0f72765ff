package testhelpers

import (
	"context"
	"sync"

	"intoview/internal/models"
)

// Prompt is one captured Generate call.
type Prompt struct {
	System string
	User   string
}

// FakeProvider answers Generate with Reply, or with Err when set. Block, if not nil, is
// received from before answering so tests can hold a call in flight.
type FakeProvider struct {
	mu      sync.Mutex
	prompts []Prompt

	Reply string
	Err   error
	Block chan struct{}
	// Started, if not nil, receives once per call before Block is awaited.
	Started chan struct{}
}

func (p *FakeProvider) Generate(ctx context.Context, systemPrompt, userContent string, _ int) (*models.GenerationResponse, error) {
	p.mu.Lock()
	p.prompts = append(p.prompts, Prompt{System: systemPrompt, User: userContent})
	reply, err, block, started := p.Reply, p.Err, p.Block, p.Started
	p.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &models.GenerationResponse{
		Text:     reply,
		Metadata: models.GenerationMetadata{Provider: "fake", Model: "fake-1"},
	}, nil
}

func (p *FakeProvider) GetProviderName() string { return "fake" }

func (p *FakeProvider) SetReply(reply string) {
	p.mu.Lock()
	p.Reply = reply
	p.mu.Unlock()
}

func (p *FakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prompts)
}

func (p *FakeProvider) Prompts() []Prompt {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Prompt(nil), p.prompts...)
}
