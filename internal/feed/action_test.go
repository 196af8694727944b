package feed

import (
	"strings"
	"testing"
	"time"
)

func TestAction_Validate(t *testing.T) {
	for _, a := range []Action{ActionRead, ActionUnread, ActionStar, ActionUnstar} {
		if err := a.Validate(); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", a, err)
		}
	}
	if err := Action("archive").Validate(); err == nil {
		t.Error("Validate(archive) = nil, want error")
	}
}

func TestAction_Category(t *testing.T) {
	tests := []struct {
		action Action
		want   Category
	}{
		{ActionRead, CategoryRead},
		{ActionUnread, CategoryRead},
		{ActionStar, CategoryStar},
		{ActionUnstar, CategoryStar},
	}
	for _, tt := range tests {
		if got := tt.action.Category(); got != tt.want {
			t.Errorf("Category(%q) = %q, want %q", tt.action, got, tt.want)
		}
	}
}

func TestAction_Apply(t *testing.T) {
	item := &Item{UpstreamID: "a"}

	ActionRead.Apply(item)
	if !item.IsRead {
		t.Error("read action should set IsRead")
	}
	ActionStar.Apply(item)
	if !item.IsStarred {
		t.Error("star action should set IsStarred")
	}
	ActionUnread.Apply(item)
	if item.IsRead {
		t.Error("unread action should clear IsRead")
	}
	if !item.IsStarred {
		t.Error("unread action must not touch IsStarred")
	}
	ActionUnstar.Apply(item)
	if item.IsStarred {
		t.Error("unstar action should clear IsStarred")
	}
}

func TestFlagActionConstructors(t *testing.T) {
	if ReadAction(true) != ActionRead || ReadAction(false) != ActionUnread {
		t.Error("ReadAction mapping is wrong")
	}
	if StarAction(true) != ActionStar || StarAction(false) != ActionUnstar {
		t.Error("StarAction mapping is wrong")
	}
}

func TestChangeEntry_Validate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		entry   ChangeEntry
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid entry",
			entry: ChangeEntry{
				ID:              "e1",
				ItemUpstreamID:  "item-1",
				Action:          ActionRead,
				ActionTimestamp: now,
			},
			wantErr: false,
		},
		{
			name: "missing id",
			entry: ChangeEntry{
				ItemUpstreamID:  "item-1",
				Action:          ActionRead,
				ActionTimestamp: now,
			},
			wantErr: true,
			errMsg:  "id is required",
		},
		{
			name: "missing item",
			entry: ChangeEntry{
				ID:              "e1",
				Action:          ActionRead,
				ActionTimestamp: now,
			},
			wantErr: true,
			errMsg:  "item_upstream_id is required",
		},
		{
			name: "bad action",
			entry: ChangeEntry{
				ID:              "e1",
				ItemUpstreamID:  "item-1",
				Action:          Action("archive"),
				ActionTimestamp: now,
			},
			wantErr: true,
			errMsg:  "unknown action",
		},
		{
			name: "missing timestamp",
			entry: ChangeEntry{
				ID:             "e1",
				ItemUpstreamID: "item-1",
				Action:         ActionRead,
			},
			wantErr: true,
			errMsg:  "action_timestamp is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("error %q does not mention %q", err, tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
