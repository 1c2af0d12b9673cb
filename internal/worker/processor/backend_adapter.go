package processor

import (
	"context"
	"encoding/json"
	"io"

	"upscaler/internal/pkg/retry"
	"upscaler/internal/worker/comfy"
)

// Backend is the slice of the media backend a job needs.
type Backend interface {
	WaitReady(ctx context.Context) error
	UploadInput(ctx context.Context, path, name string) (string, error)
	Open(ctx context.Context, session comfy.SessionID) (Events, error)
	Submit(ctx context.Context, session comfy.SessionID, prompt json.Marshaler) (comfy.PromptID, error)
	Resolve(ctx context.Context, id comfy.PromptID, category string) (comfy.Artifact, error)
	Fetch(ctx context.Context, a comfy.Artifact) (io.ReadCloser, error)
}

// Events is an open completion channel scoped to one session.
type Events interface {
	WaitFor(ctx context.Context, id comfy.PromptID) error
	Close() error
}

// ComfyBackend adapts a comfy.Client and its retry policies to Backend.
type ComfyBackend struct {
	client  *comfy.Client
	probe   retry.Policy
	connect retry.Policy
}

func NewComfyBackend(client *comfy.Client, probe, connect retry.Policy) *ComfyBackend {
	return &ComfyBackend{client: client, probe: probe, connect: connect}
}

func (b *ComfyBackend) WaitReady(ctx context.Context) error {
	_, err := b.client.WaitReady(ctx, b.probe)
	return err
}

func (b *ComfyBackend) UploadInput(ctx context.Context, path, name string) (string, error) {
	return b.client.UploadInput(ctx, path, name)
}

func (b *ComfyBackend) Open(ctx context.Context, session comfy.SessionID) (Events, error) {
	w, err := b.client.Connect(ctx, session, b.connect)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (b *ComfyBackend) Submit(ctx context.Context, session comfy.SessionID, prompt json.Marshaler) (comfy.PromptID, error) {
	return b.client.QueuePrompt(ctx, session, prompt)
}

func (b *ComfyBackend) Resolve(ctx context.Context, id comfy.PromptID, category string) (comfy.Artifact, error) {
	return b.client.ResolveArtifact(ctx, id, category)
}

func (b *ComfyBackend) Fetch(ctx context.Context, a comfy.Artifact) (io.ReadCloser, error) {
	return b.client.FetchArtifact(ctx, a)
}
