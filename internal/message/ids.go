package message

import (
	"github.com/bwmarrin/snowflake"
)

// SnowflakeOrder returns the numeric value of a snowflake message id, which is
// monotonic in creation time. Non-snowflake ids report false.
func SnowflakeOrder(id string) (int64, bool) {
	sf, err := snowflake.ParseString(id)
	if err != nil || sf.Int64() <= 0 {
		return 0, false
	}
	return sf.Int64(), true
}
