package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsListTransition(t *testing.T) {
	todo := &ListRef{ID: "l1", Name: "To Do"}
	doing := &ListRef{ID: "l2", Name: "In Progress"}

	tests := []struct {
		name string
		data ActionData
		want bool
	}{
		{"moved between lists", ActionData{ListBefore: todo, ListAfter: doing}, true},
		{"same list before and after", ActionData{ListBefore: todo, ListAfter: &ListRef{ID: "l1", Name: "To Do"}}, false},
		{"only listBefore", ActionData{ListBefore: todo}, false},
		{"only listAfter", ActionData{ListAfter: doing}, false},
		{"neither", ActionData{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.data.IsListTransition())
		})
	}
}

func TestCurrentList(t *testing.T) {
	id, name := (&ActionData{
		List:      &ListRef{ID: "l1", Name: "To Do"},
		ListAfter: &ListRef{ID: "l2", Name: "In Progress"},
	}).CurrentList()
	assert.Equal(t, "l2", id)
	assert.Equal(t, "In Progress", name)

	id, name = (&ActionData{List: &ListRef{ID: "l1", Name: "To Do"}}).CurrentList()
	assert.Equal(t, "l1", id)
	assert.Equal(t, "To Do", name)

	id, name = (&ActionData{Card: &CardRef{ID: "c1", IDList: "l3"}}).CurrentList()
	assert.Equal(t, "l3", id)
	assert.Equal(t, "", name)
}
