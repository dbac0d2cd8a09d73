package antifraud

// Missing-context factors a merchant can deny without scoring.
const (
	FactorNoOutlet = "no_outlet_id"
	FactorNoDevice = "no_device_id" // legacy alias of FactorNoOutlet
	FactorNoStaff  = "no_staff_id"
)

// MatchBlockFactors returns the first produced factor whose key (the part
// before ':') is on the deny-list.
func MatchBlockFactors(factors, denyList []string) (string, bool) {
	if len(denyList) == 0 {
		return "", false
	}
	deny := make(map[string]struct{}, len(denyList))
	for _, f := range denyList {
		deny[f] = struct{}{}
	}
	for _, f := range factors {
		key := FactorKey(f)
		if _, ok := deny[key]; ok {
			return key, true
		}
	}
	return "", false
}

// MatchMissingContext is the cheap pre-check: it matches deny-listed
// missing-context factors using only the operation itself.
func MatchMissingContext(op *OperationContext, denyList []string) (string, bool) {
	if op.OutletID == "" {
		for _, f := range []string{FactorNoOutlet, FactorNoDevice} {
			if contains(denyList, f) {
				return f, true
			}
		}
	}
	if op.StaffID == "" && contains(denyList, FactorNoStaff) {
		return FactorNoStaff, true
	}
	return "", false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
