package journal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證日誌事件的 CRC32 校驗和
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
)

// CalculateChecksum 計算事件的 CRC32 校驗和
//
// 演算法：
// - 將 Checksum 欄位歸零後的事件編碼成 JSON
// - 使用 CRC32-IEEE 多項式計算
//
// 所有欄位（含 Timestamp）都納入校驗，事件寫入後不可再變。
func CalculateChecksum(event Event) uint32 {
	event.Checksum = 0
	data, err := json.Marshal(event)
	if err != nil {
		return 0
	}
	return crc32.ChecksumIEEE(data)
}

// VerifyChecksum 驗證事件的校驗和是否正確
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event)
}
