package core

// Bucket maps a bucketing key to a stable bucket in [0,100) using a 31-
// multiplier rolling hash over the key, accumulated in an unsigned 32-bit
// register.
//
// The bucket for a key depends on nothing but the key itself. The rollout
// percentage only moves the inclusion threshold, so raising it can only add
// previously excluded keys and lowering it can only remove previously
// included ones. Changing this hash reshuffles every existing assignment
// and breaks that guarantee; treat any modification as a regression.
func Bucket(key string) int {
	var hash uint32
	for _, r := range key {
		hash = hash*31 + uint32(r)
	}

	return int(hash % 100)
}
