package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_MarkOnline_ListOnline(t *testing.T) {
	req := require.New(t)
	reg := NewRegistry()

	// Given an empty room
	req.Empty(reg.ListOnline("r1"))

	// When two users join
	reg.MarkOnline("r1", 1, "alice", "c1")
	reg.MarkOnline("r1", 2, "bob", "c2")

	// Then both are listed in join order
	req.Equal([]OnlineUser{{ID: 1, Username: "alice"}, {ID: 2, Username: "bob"}}, reg.ListOnline("r1"))
	req.Empty(reg.ListOnline("r2"))
}

func TestRegistry_SameUserTwice_LastWriteWins(t *testing.T) {
	req := require.New(t)
	reg := NewRegistry()

	reg.MarkOnline("r1", 1, "alice", "tab-1")
	reg.MarkOnline("r1", 1, "alice", "tab-2")

	req.Len(reg.ListOnline("r1"), 1)
	e, ok := reg.Lookup("r1", 1)
	req.True(ok)
	req.Equal("tab-2", e.ConnID)

	// The replaced connection no longer owns the entry
	req.Empty(reg.RemoveConnectionEverywhere("tab-1"))
	req.Len(reg.ListOnline("r1"), 1)

	req.Equal([]string{"r1"}, reg.RemoveConnectionEverywhere("tab-2"))
	req.Empty(reg.ListOnline("r1"))
}

func TestRegistry_MarkOffline_Idempotent(t *testing.T) {
	req := require.New(t)
	reg := NewRegistry()

	reg.MarkOnline("r1", 1, "alice", "c1")
	reg.MarkOffline("r1", 1)
	reg.MarkOffline("r1", 1)
	reg.MarkOffline("unknown", 42)

	req.Empty(reg.ListOnline("r1"))
	req.Empty(reg.Rooms())
}

func TestRegistry_RemoveConnectionEverywhere(t *testing.T) {
	req := require.New(t)
	reg := NewRegistry()

	reg.MarkOnline("r1", 1, "alice", "c1")
	reg.MarkOnline("r2", 1, "alice", "c1")
	reg.MarkOnline("r2", 2, "bob", "c2")

	affected := reg.RemoveConnectionEverywhere("c1")

	req.Equal([]string{"r1", "r2"}, affected)
	req.Empty(reg.ListOnline("r1"))
	req.Equal([]OnlineUser{{ID: 2, Username: "bob"}}, reg.ListOnline("r2"))
	req.Equal([]string{"r2"}, reg.Rooms())

	// A second call for the same connection finds nothing
	req.Empty(reg.RemoveConnectionEverywhere("c1"))
}

func TestRegistry_ConcurrentJoinAndDisconnect(t *testing.T) {
	req := require.New(t)
	reg := NewRegistry()

	const users = 50
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			connID := fmt.Sprintf("c%d", id)
			reg.MarkOnline("r1", id, fmt.Sprintf("u%d", id), connID)
			reg.MarkOnline("r2", id, fmt.Sprintf("u%d", id), connID)
			if id%2 == 0 {
				reg.RemoveConnectionEverywhere(connID)
			}
		}(i)
	}
	wg.Wait()

	req.Len(reg.ListOnline("r1"), users/2)
	req.Len(reg.ListOnline("r2"), users/2)
	for _, u := range reg.ListOnline("r1") {
		req.Equal(1, u.ID%2)
	}
}
