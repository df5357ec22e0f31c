package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/opsconductor/pkg/models"
)

func testAsset(id string) *models.AssetContext {
	return &models.AssetContext{
		AssetID:     id,
		Type:        "host",
		Environment: "production",
		Attributes:  map[string]string{"os": "linux", "region": "us-east-1"},
		Version:     "v3",
		FetchedAt:   time.Now(),
	}
}

func TestAssetL1_SetAndGet(t *testing.T) {
	l1 := NewAssetL1(1*time.Minute, 100)

	l1.Set(AssetKey("web-prod-01", "v3"), testAsset("web-prod-01"))

	got, ok := l1.Get(AssetKey("web-prod-01", "v3"))
	require.True(t, ok)
	assert.Equal(t, "web-prod-01", got.AssetID)
	assert.Equal(t, "production", got.Environment)
}

func TestAssetL1_Miss(t *testing.T) {
	l1 := NewAssetL1(1*time.Minute, 100)

	got, ok := l1.Get(AssetKey("unknown", "v1"))
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestAssetL1_TTLExpiry(t *testing.T) {
	l1 := NewAssetL1(50*time.Millisecond, 100)

	key := AssetKey("web-prod-01", "v3")
	l1.Set(key, testAsset("web-prod-01"))

	_, ok := l1.Get(key)
	assert.True(t, ok)

	time.Sleep(60 * time.Millisecond)

	_, ok = l1.Get(key)
	assert.False(t, ok)
	// Lazy cleanup removed the expired entry
	assert.Equal(t, 0, l1.Len())
}

func TestAssetL1_ReturnsCopies(t *testing.T) {
	l1 := NewAssetL1(1*time.Minute, 100)

	key := AssetKey("web-prod-01", "v3")
	original := testAsset("web-prod-01")
	l1.Set(key, original)

	// Mutating the stored-from value must not reach the cache
	original.Attributes["os"] = "windows"

	first, ok := l1.Get(key)
	require.True(t, ok)
	assert.Equal(t, "linux", first.Attributes["os"])

	// Mutating a returned value must not reach later readers
	first.Attributes["os"] = "freebsd"

	second, ok := l1.Get(key)
	require.True(t, ok)
	assert.Equal(t, "linux", second.Attributes["os"])
}

func TestAssetL1_EvictsOldestAtCap(t *testing.T) {
	l1 := NewAssetL1(1*time.Minute, 2)

	l1.Set("a", testAsset("asset-a"))
	time.Sleep(time.Millisecond)
	l1.Set("b", testAsset("asset-b"))
	time.Sleep(time.Millisecond)
	l1.Set("c", testAsset("asset-c"))

	assert.Equal(t, 2, l1.Len())

	_, ok := l1.Get("a")
	assert.False(t, ok)
	_, ok = l1.Get("b")
	assert.True(t, ok)
	_, ok = l1.Get("c")
	assert.True(t, ok)
}

func TestAssetL1_OverwriteDoesNotEvict(t *testing.T) {
	l1 := NewAssetL1(1*time.Minute, 2)

	l1.Set("a", testAsset("asset-a"))
	l1.Set("b", testAsset("asset-b"))
	l1.Set("b", testAsset("asset-b2"))

	assert.Equal(t, 2, l1.Len())

	got, ok := l1.Get("a")
	require.True(t, ok)
	assert.Equal(t, "asset-a", got.AssetID)

	got, ok = l1.Get("b")
	require.True(t, ok)
	assert.Equal(t, "asset-b2", got.AssetID)
}

func TestAssetL1_Uncapped(t *testing.T) {
	l1 := NewAssetL1(1*time.Minute, 0)

	for i := 0; i < 50; i++ {
		l1.Set(fmt.Sprintf("key-%d", i), testAsset(fmt.Sprintf("asset-%d", i)))
	}

	assert.Equal(t, 50, l1.Len())
}

func TestAssetL1_NilAssetIgnored(t *testing.T) {
	l1 := NewAssetL1(1*time.Minute, 100)

	l1.Set("a", nil)

	assert.Equal(t, 0, l1.Len())
	_, ok := l1.Get("a")
	assert.False(t, ok)
}

func TestAssetL1_DeleteAndPurge(t *testing.T) {
	l1 := NewAssetL1(1*time.Minute, 100)

	l1.Set("a", testAsset("asset-a"))
	l1.Set("b", testAsset("asset-b"))

	l1.Delete("a")
	assert.Equal(t, 1, l1.Len())
	_, ok := l1.Get("a")
	assert.False(t, ok)

	l1.Purge()
	assert.Equal(t, 0, l1.Len())
	_, ok = l1.Get("b")
	assert.False(t, ok)
}

func TestAssetL1_ConcurrentAccess(t *testing.T) {
	l1 := NewAssetL1(1*time.Minute, 100)
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			l1.Set(fmt.Sprintf("key-%d", n%10), testAsset("shared"))
		}(i)
	}

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			l1.Get(fmt.Sprintf("key-%d", n%10))
		}(i)
	}

	wg.Wait()
	assert.LessOrEqual(t, l1.Len(), 10)
}
