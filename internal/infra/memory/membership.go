package memory

import "keeper/internal/domain"

// StaticMembership reports only this replica.
type StaticMembership struct {
	self domain.Member
}

func NewStaticMembership(self domain.Member) *StaticMembership {
	return &StaticMembership{self: self}
}

func (m *StaticMembership) Members() []domain.Member {
	return []domain.Member{m.self}
}
