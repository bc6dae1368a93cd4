package domain

var Tables = []interface{}{
	// QoS audit
	&QoSSliceLog{},
	&QoSRuleLog{},
}
