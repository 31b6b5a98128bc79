package models

import "time"

// ContentHash tracks distinct page content across a deployment. Keyed by the
// hex SHA-256 of normalized content; OccurrenceCount grows by one for every
// page that matched it after the first.
//
// The four Band fields split the 64-bit simhash into 16-bit quarters, each
// indexed. Two fingerprints within Hamming distance 3 must agree on at least
// one quarter, so candidate lookup queries the four bands and verifies the
// full distance on the survivors.
type ContentHash struct {
	Hash            string    `json:"hash"`
	FirstSeenPageID string    `json:"first_seen_page_id,omitempty"`
	OccurrenceCount int       `json:"occurrence_count"`
	Simhash         uint64    `json:"simhash,omitempty"`
	BandA           uint16    `json:"band_a" badgerhold:"index"`
	BandB           uint16    `json:"band_b" badgerhold:"index"`
	BandC           uint16    `json:"band_c" badgerhold:"index"`
	BandD           uint16    `json:"band_d" badgerhold:"index"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastSeenAt      time.Time `json:"last_seen_at"`
}

// SetSimhash stores the fingerprint and derives the index bands
func (c *ContentHash) SetSimhash(fp uint64) {
	c.Simhash = fp
	c.BandA = uint16(fp >> 48)
	c.BandB = uint16(fp >> 32)
	c.BandC = uint16(fp >> 16)
	c.BandD = uint16(fp)
}
