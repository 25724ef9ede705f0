package models

import "fmt"

type SubjectKind string

const (
	UserSubject  SubjectKind = "user"
	GroupSubject SubjectKind = "group"
)

// Subject is the owner of a fact list: a user or a group conversation
type Subject struct {
	Kind SubjectKind `json:"kind"`
	ID   int64       `json:"id"`
}

func UserOf(id int64) Subject  { return Subject{Kind: UserSubject, ID: id} }
func GroupOf(id int64) Subject { return Subject{Kind: GroupSubject, ID: id} }

// FactsKey is the durable key holding the subject's facts
func (s Subject) FactsKey() string {
	return fmt.Sprintf("%s:%d:facts", s.Kind, s.ID)
}

func (s Subject) String() string {
	return fmt.Sprintf("%s:%d", s.Kind, s.ID)
}
