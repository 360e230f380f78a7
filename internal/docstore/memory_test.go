package docstore_test

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"

	"github.com/serroba/ratekeeper-go/internal/docstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	t.Run("get returns nil for absent key", func(t *testing.T) {
		s := docstore.NewMemory()

		doc, err := s.Get(context.Background(), "missing")

		require.NoError(t, err)
		assert.Nil(t, doc, "absence is nil, not an error")
	})

	t.Run("put then get round-trips", func(t *testing.T) {
		s := docstore.NewMemory()

		require.NoError(t, s.Put(context.Background(), "k1", []byte(`{"a":1}`)))

		doc, err := s.Get(context.Background(), "k1")

		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(doc))
	})

	t.Run("update sees nil for absent key and creates the document", func(t *testing.T) {
		s := docstore.NewMemory()

		err := s.Update(context.Background(), "k1", func(current []byte) ([]byte, error) {
			assert.Nil(t, current)

			return []byte(`{"n":1}`), nil
		})

		require.NoError(t, err)

		doc, err := s.Get(context.Background(), "k1")

		require.NoError(t, err)
		assert.JSONEq(t, `{"n":1}`, string(doc))
	})

	t.Run("update returning nil leaves state untouched", func(t *testing.T) {
		s := docstore.NewMemory()
		require.NoError(t, s.Put(context.Background(), "k1", []byte(`{"n":1}`)))

		err := s.Update(context.Background(), "k1", func(_ []byte) ([]byte, error) {
			return nil, nil
		})

		require.NoError(t, err)

		doc, _ := s.Get(context.Background(), "k1")
		assert.JSONEq(t, `{"n":1}`, string(doc))
	})

	t.Run("concurrent updates never lose increments", func(t *testing.T) {
		s := docstore.NewMemory()

		const (
			workers    = 8
			increments = 50
		)

		var wg sync.WaitGroup

		for range workers {
			wg.Add(1)

			go func() {
				defer wg.Done()

				for range increments {
					_ = s.Update(context.Background(), "counter", func(current []byte) ([]byte, error) {
						n := 0
						if current != nil {
							var doc map[string]int
							if err := json.Unmarshal(current, &doc); err != nil {
								return nil, err
							}

							n = doc["n"]
						}

						return json.Marshal(map[string]int{"n": n + 1})
					})
				}
			}()
		}

		wg.Wait()

		doc, err := s.Get(context.Background(), "counter")

		require.NoError(t, err)

		var final map[string]int
		require.NoError(t, json.Unmarshal(doc, &final))
		assert.Equal(t, workers*increments, final["n"])
	})

	t.Run("scan returns only matching prefix", func(t *testing.T) {
		s := docstore.NewMemory()

		for i := range 3 {
			require.NoError(t, s.Put(context.Background(), "a/"+strconv.Itoa(i), []byte(`{}`)))
		}

		require.NoError(t, s.Put(context.Background(), "b/0", []byte(`{}`)))

		entries, err := s.Scan(context.Background(), "a/")

		require.NoError(t, err)
		assert.Len(t, entries, 3)
	})

	t.Run("delete batch removes all given keys", func(t *testing.T) {
		s := docstore.NewMemory()

		require.NoError(t, s.Put(context.Background(), "k1", []byte(`{}`)))
		require.NoError(t, s.Put(context.Background(), "k2", []byte(`{}`)))
		require.NoError(t, s.Put(context.Background(), "k3", []byte(`{}`)))

		require.NoError(t, s.DeleteBatch(context.Background(), []string{"k1", "k3"}))

		assert.Equal(t, 1, s.Len())

		doc, _ := s.Get(context.Background(), "k2")
		assert.NotNil(t, doc)
	})
}

func TestTypedHelpers(t *testing.T) {
	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	t.Run("round-trips a typed document", func(t *testing.T) {
		s := docstore.NewMemory()

		require.NoError(t, docstore.PutAs(context.Background(), s, "k1", &record{Name: "x", Count: 2}))

		got, err := docstore.GetAs[record](context.Background(), s, "k1")

		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "x", got.Name)
		assert.Equal(t, 2, got.Count)
	})

	t.Run("absent key decodes to nil", func(t *testing.T) {
		s := docstore.NewMemory()

		got, err := docstore.GetAs[record](context.Background(), s, "missing")

		require.NoError(t, err)
		assert.Nil(t, got)
	})
}
