package domain

import "time"

// QoSSliceLog Audit trail of slice quantum changes
type QoSSliceLog struct {
	ID         int64     `json:"id,string" gorm:"primaryKey"`  // Primary key ID
	CycleID    int64     `json:"cycle_id,string" gorm:"index"` // Polling cycle that produced the change
	SliceID    int       `json:"slice_id" gorm:"index"`        // Slice id, in DSCP code space
	Quantum    float64   `json:"quantum"`                      // Quantum pushed to the slice manager
	Action     string    `json:"action"`                       // "created", "updated"
	Status     string    `json:"status"`                       // "success", "failure"
	ErrorMsg   string    `json:"error_msg"`                    // Error message if action failed
	ExecutedAt time.Time `json:"executed_at"`
	CreatedAt  time.Time `json:"created_at" gorm:"index"`
}

// TableName specifies the table name
func (QoSSliceLog) TableName() string {
	return "qos_slice_log"
}

// QoSRuleLog Audit trail of traffic rules pushed to the WTPs
type QoSRuleLog struct {
	ID         int64     `json:"id,string" gorm:"primaryKey"`
	CycleID    int64     `json:"cycle_id,string" gorm:"index"`
	Dscp       int       `json:"dscp" gorm:"index"` // Matched DSCP code
	Rewrite    int       `json:"rewrite"`           // ToS written by the WTP
	Match      string    `json:"match"`             // Human readable match
	Devices    int       `json:"devices"`           // WTPs the rule was sent to
	Failed     int       `json:"failed"`            // WTPs whose send failed
	Status     string    `json:"status"`            // "success", "partial", "failure"
	ErrorMsg   string    `json:"error_msg" gorm:"type:text"`
	ExecutedAt time.Time `json:"executed_at"`
	CreatedAt  time.Time `json:"created_at" gorm:"index"`
}

// TableName specifies the table name
func (QoSRuleLog) TableName() string {
	return "qos_rule_log"
}
