// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package mercury

// UnitsPerCoin is the number of base units (satoshis) in one conventional
// coin, for every currency the trade service lists.
const UnitsPerCoin uint64 = 1e8
