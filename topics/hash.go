// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

// HashLevels is the number of leading levels summarized by Hash.
const HashLevels = 8

// Hash summarizes a topic or filter into a 64-bit hash and mask, one byte
// per level, first level in the most significant byte. Literal levels
// contribute a checksum of their characters and a 0xFF mask byte. A '+'
// level contributes 0x00 with a 0x00 mask byte; a '#' level zeroes its own
// and every following mask byte. Levels past the eighth, separators
// included, are folded into the eighth byte, which is masked out entirely
// when that tail holds a wildcard.
//
// For a topic T and a filter F that matches it, (hash(T) & mask(F)) == hash(F)
// always holds, so the comparison can reject most non-matching filters before
// the exact Match runs.
func Hash(topic string) (hash, mask uint64, hasWildcard bool) {
	var (
		inverted uint64 // mask bits of wildcard levels, inverted on return
		levelBit uint64
		fill     uint64
		sum      byte
		levels   int
	)

	for i := 0; i < len(topic); i++ {
		switch c := topic[i]; {
		case c == '/' && levels < HashLevels-1:
			hash = hash<<8 | uint64(sum)
			inverted = inverted<<8 | levelBit
			sum, levelBit = 0, 0
			levels++
		case c == '+':
			levelBit = 0xFF
			hasWildcard = true
		case c == '#':
			levelBit = 0xFF
			fill = 0xFF
			hasWildcard = true
		default:
			sum = checksum(sum, c)
		}
	}

	hash = hash<<8 | uint64(sum)
	inverted = inverted<<8 | levelBit
	for levels++; levels < HashLevels; levels++ {
		hash <<= 8
		inverted = inverted<<8 | fill
	}

	return hash &^ inverted, ^inverted, hasWildcard
}

// checksum folds one character into a level checksum. Even characters are
// added, odd characters are XORed, which keeps sibling levels that differ in
// a single trailing digit ("sensor1", "sensor2") in different buckets.
func checksum(sum, c byte) byte {
	if c&1 == 0 {
		return sum + c
	}
	return sum ^ (c >> 1)
}
