package rembg

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type waitRemover struct{}

func (waitRemover) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWithTimeout(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Remover(waitRemover{}), WithTimeout(waitRemover{}, 0))

	r := WithTimeout(waitRemover{}, 10*time.Millisecond)
	start := time.Now()
	_, err := r.Remove(context.Background(), image.NewNRGBA(image.Rect(0, 0, 1, 1)))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
