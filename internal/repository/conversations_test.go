package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"family-assistant/internal/domain"
)

func TestCreateAndGet(t *testing.T) {
	c, _ := newTestClient(t, time.Millisecond)
	dir := NewConversationDirectory(c)

	conv, err := dir.Create(context.Background(), "user-1", "Dinner ideas")
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)
	require.True(t, conv.CreatedAt.Equal(conv.UpdatedAt))

	got, ok, err := dir.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "user-1", got.UserID)
	require.Equal(t, "Dinner ideas", got.Title)
}

func TestCreate_RequiresUser(t *testing.T) {
	c, _ := newTestClient(t, time.Millisecond)
	_, err := NewConversationDirectory(c).Create(context.Background(), " ", "t")
	require.Error(t, err)
}

func TestGet_Unknown(t *testing.T) {
	c, _ := newTestClient(t, time.Millisecond)
	_, ok, err := NewConversationDirectory(c).Get(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGet_StoreError(t *testing.T) {
	c, db := newTestClient(t, time.Millisecond)
	db.Fail = func(op, _ string) error {
		if op == "GetItem" {
			return errors.New("boom")
		}
		return nil
	}
	_, _, err := NewConversationDirectory(c).Get(context.Background(), "x")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Get")
}

func TestTouch_IsMonotonic(t *testing.T) {
	c, _ := newTestClient(t, time.Millisecond)
	dir := NewConversationDirectory(c)
	conv, err := dir.Create(context.Background(), "user-1", "t")
	require.NoError(t, err)

	later := conv.UpdatedAt.Add(time.Minute)
	require.NoError(t, dir.Touch(context.Background(), conv.ID, later))
	require.NoError(t, dir.Touch(context.Background(), conv.ID, conv.UpdatedAt))

	got, ok, err := dir.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, later.Equal(got.UpdatedAt))
	require.True(t, conv.CreatedAt.Equal(got.CreatedAt))
}

func TestTouch_DeletedConversationStaysDeleted(t *testing.T) {
	c, _ := newTestClient(t, time.Millisecond)
	dir := NewConversationDirectory(c)
	conv, err := dir.Create(context.Background(), "user-1", "t")
	require.NoError(t, err)
	require.NoError(t, dir.Delete(context.Background(), conv.ID))

	require.NoError(t, dir.Touch(context.Background(), conv.ID, time.Now()))
	_, ok, err := dir.Get(context.Background(), conv.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListForUser_MostRecentFirst(t *testing.T) {
	c, _ := newTestClient(t, time.Millisecond)
	dir := NewConversationDirectory(c)
	a, err := dir.Create(context.Background(), "user-1", "a")
	require.NoError(t, err)
	b, err := dir.Create(context.Background(), "user-1", "b")
	require.NoError(t, err)
	_, err = dir.Create(context.Background(), "user-2", "other")
	require.NoError(t, err)

	require.NoError(t, dir.Touch(context.Background(), a.ID, b.UpdatedAt.Add(time.Second)))

	page, err := dir.ListForUser(context.Background(), "user-1", 10, nil)
	require.NoError(t, err)
	require.Len(t, page.Conversations, 2)
	require.Equal(t, a.ID, page.Conversations[0].ID)
	require.Equal(t, b.ID, page.Conversations[1].ID)
	require.Nil(t, page.Next)
}

func TestListForUser_PagesWithoutGapsOrRepeats(t *testing.T) {
	c, _ := newTestClient(t, time.Millisecond)
	dir := NewConversationDirectory(c)
	for i := 0; i < 5; i++ {
		_, err := dir.Create(context.Background(), "user-1", "t")
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	var after *domain.RecencyKey
	var prev string
	for pages := 0; pages < 10; pages++ {
		page, err := dir.ListForUser(context.Background(), "user-1", 2, after)
		require.NoError(t, err)
		for _, conv := range page.Conversations {
			require.False(t, seen[conv.ID], "repeated %s", conv.ID)
			seen[conv.ID] = true
			key := recencyKey(formatTime(conv.UpdatedAt), conv.ID)
			if prev != "" {
				require.Less(t, key, prev)
			}
			prev = key
		}
		if page.Next == nil {
			break
		}
		after = page.Next
	}
	require.Len(t, seen, 5)
}

func TestListForUser_SameUpdatedAtTieBreak(t *testing.T) {
	c, _ := newTestClient(t, 0)
	dir := NewConversationDirectory(c)
	for i := 0; i < 3; i++ {
		_, err := dir.Create(context.Background(), "user-1", "t")
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	var after *domain.RecencyKey
	for i := 0; i < 3; i++ {
		page, err := dir.ListForUser(context.Background(), "user-1", 1, after)
		require.NoError(t, err)
		require.Len(t, page.Conversations, 1)
		seen[page.Conversations[0].ID] = true
		after = page.Next
		if i < 2 {
			require.NotNil(t, after)
		}
	}
	require.Nil(t, after)
	require.Len(t, seen, 3)
}

func TestListForUser_SmallStorePages(t *testing.T) {
	c, db := newTestClient(t, time.Millisecond)
	dir := NewConversationDirectory(c)
	for i := 0; i < 4; i++ {
		_, err := dir.Create(context.Background(), "user-1", "t")
		require.NoError(t, err)
	}
	db.MaxPageItems = 1

	page, err := dir.ListForUser(context.Background(), "user-1", 3, nil)
	require.NoError(t, err)
	require.Len(t, page.Conversations, 3)
	require.NotNil(t, page.Next)
}

func TestListForUser_Empty(t *testing.T) {
	c, _ := newTestClient(t, time.Millisecond)
	page, err := NewConversationDirectory(c).ListForUser(context.Background(), "nobody", 20, nil)
	require.NoError(t, err)
	require.Empty(t, page.Conversations)
	require.Nil(t, page.Next)
}
