package validation

import "testing"

type bookInput struct {
	Title     string   `json:"title" validate:"required,max=200"`
	Condition string   `json:"condition" validate:"omitempty,condition"`
	Genre     []string `json:"genre" validate:"max=5"`
	Duration  int      `json:"borrowDuration" validate:"omitempty,gte=1,lte=90"`
	Type      string   `json:"requestType" validate:"omitempty,requesttype"`
	Email     string   `form:"email" validate:"omitempty,email"`
}

func TestStruct(t *testing.T) {
	tests := []struct {
		name string
		in   bookInput
		want string
	}{
		{"valid", bookInput{Title: "Dune", Condition: "like new", Duration: 14, Type: "borrow"}, ""},
		{"missing title", bookInput{}, "title is required"},
		{"bad condition", bookInput{Title: "x", Condition: "mint"}, "condition must be one of: New, Like New, Good, Fair, Poor"},
		{"too many genres", bookInput{Title: "x", Genre: []string{"a", "b", "c", "d", "e", "f"}}, "genre must have at most 5 items"},
		{"duration range", bookInput{Title: "x", Duration: 400}, "borrowDuration must be 90 or less"},
		{"request type", bookInput{Title: "x", Type: "lend"}, "requestType must be one of: Borrow, Exchange, Donation"},
		{"form tag name", bookInput{Title: "x", Email: "nope"}, "email must be a valid email address"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := Struct(tc.in)
			if tc.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || err.Error() != tc.want {
				t.Fatalf("error = %v, want %q", err, tc.want)
			}
		})
	}
}
