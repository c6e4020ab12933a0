package memory_test

import (
	"testing"

	"github.com/tendant/simple-media/pkg/simplemedia"
	"github.com/tendant/simple-media/pkg/simplemedia/repo/memory"
	"github.com/tendant/simple-media/pkg/simplemedia/repo/repotest"
)

func TestMemoryRepository(t *testing.T) {
	repotest.Run(t, func(t *testing.T) simplemedia.Repository {
		return memory.New()
	})
}
