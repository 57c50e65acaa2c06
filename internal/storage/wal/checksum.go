package wal

// ============================================================================
// 校驗和計算
// 職責：計算與驗證 WAL 記錄的 CRC32 校驗和
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
)

// CalculateChecksum 計算記錄的 CRC32 校驗和
//
// 演算法：
// - Checksum 欄位歸零後序列化為 JSON（map 鍵已排序，輸出固定）
// - 使用 CRC32-IEEE 多項式計算
func CalculateChecksum(rec Record) uint32 {
	rec.Checksum = 0
	b, err := json.Marshal(rec)
	if err != nil {
		return 0
	}
	return crc32.ChecksumIEEE(b)
}

// VerifyChecksum 驗證記錄的校驗和
//
// 返回值：
//   - nil 表示正確；否則為 *ChecksumError
func VerifyChecksum(rec Record) error {
	expected := CalculateChecksum(rec)
	if rec.Checksum != expected {
		return &ChecksumError{Seq: rec.Seq, Expected: expected, Actual: rec.Checksum}
	}
	return nil
}
