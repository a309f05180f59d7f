package model

import "time"

// MonitoredGroup is one institution/content-partner/IP-version traffic
// measurement unit. Sourced from the external collection store, read-only.
type MonitoredGroup struct {
	ID              string `db:"group_id" json:"groupId"`
	CorrelationID   string `db:"correlation_id" json:"correlationId"`
	Name            string `db:"name" json:"name"`
	Region          string `db:"region" json:"region"`
	PartnerCode     string `db:"partner_code" json:"partnerCode"`
	InstitutionID   string `db:"institution_id" json:"institutionId"`
	InstitutionName string `db:"institution_name" json:"institutionName"`
}

// Key identifies the group in the sample table.
func (g MonitoredGroup) Key() GroupKey {
	return GroupKey{GroupID: g.ID, CorrelationID: g.CorrelationID}
}

// GroupKey is the composite key samples are recorded under.
type GroupKey struct {
	GroupID       string
	CorrelationID string
}

// Sample is one fixed-granularity traffic observation. Append-only upstream;
// the compute core only reads. GroupID/CorrelationID are empty on rows the
// store has already summed across groups.
type Sample struct {
	Timestamp     time.Time `db:"ts" json:"ts"`
	RecvBytes     int64     `db:"recv_bytes" json:"recvBytes"`
	SentBytes     int64     `db:"sent_bytes" json:"sentBytes"`
	GroupID       string    `db:"group_id" json:"groupId,omitempty"`
	CorrelationID string    `db:"correlation_id" json:"correlationId,omitempty"`
}
