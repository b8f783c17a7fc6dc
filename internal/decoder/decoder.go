// Package decoder 提供 VIN 解码、选配代码表与渲染图 URL 的纯查表能力
package decoder

import (
	"fmt"
	"strings"
)

// 工厂代码，VIN 第 11 位
var factoryCodes = map[byte]string{
	'F': "Fremont",
	'C': "Shanghai",
	'B': "Berlin",
	'A': "Austin",
}

// 年份代码，VIN 第 10 位
var yearCodes = map[byte]int{
	'M': 2021,
	'N': 2022,
	'P': 2023,
	'R': 2024,
	'S': 2025,
	'T': 2026,
}

// VINIntel VIN 解码结果
type VINIntel struct {
	Factory string `json:"factory"`
	Year    int    `json:"year"`
}

// String 格式化为 "Shanghai (2025)" 形式
func (v VINIntel) String() string {
	factory := v.Factory
	if factory == "" {
		factory = "Unknown Factory"
	}
	if v.Year == 0 {
		return factory
	}
	return fmt.Sprintf("%s (%d)", factory, v.Year)
}

// DecodeVIN 解析 17 位 VIN 的工厂与年份
func DecodeVIN(vin string) (VINIntel, bool) {
	if len(vin) != 17 {
		return VINIntel{}, false
	}
	return VINIntel{
		Factory: factoryCodes[vin[10]],
		Year:    yearCodes[vin[9]],
	}, true
}

// 选配代码表
var optionCodes = map[string]string{
	"AP04": "Autopilot HW 4.0",
	"APH4": "Autopilot HW 3.0",
	"APF0": "FSD Capability",
	"BT37": "Battery: 75kWh (Panasonic)",
	"BT43": "Battery: 78kWh (LG)",
	"BTF1": "Battery: LFP (CATL)",
	"PPSW": "White Paint",
	"PPSB": "Blue Paint",
	"PMNG": "Midnight Silver",
	"PRMQ": "Red Multi-Coat",
	"PBSB": "Black Paint",
	"PPMR": "Red Multi-Coat",
	"W40B": "19'' Gemini Wheels",
	"W41B": "20'' Induction Wheels",
	"W38B": "18'' Aero Wheels",
	"IB00": "Black Interior",
	"IB01": "White Interior",
}

// DecodeOptions 返回已知选配代码的名称，保持输入顺序，未知代码跳过
func DecodeOptions(codes []string) []string {
	var decoded []string
	for _, code := range codes {
		if name, ok := optionCodes[strings.TrimPrefix(code, "$")]; ok {
			decoded = append(decoded, fmt.Sprintf("%s: %s", code, name))
		}
	}
	return decoded
}

// ImageURL 构造官方合成器渲染图地址
func ImageURL(optionCodes []string, modelCode string) string {
	var opts []string
	for _, code := range optionCodes {
		if code != "" {
			opts = append(opts, code)
		}
	}

	model := "my"
	lower := strings.ToLower(modelCode)
	if strings.Contains(lower, "mdl3") || strings.Contains(lower, "model3") {
		model = "m3"
	}

	return fmt.Sprintf(
		"https://static-assets.tesla.com/configurator/compositor?model=%s&options=%s&view=STUD_3QTR&size=1920&bkba_opt=1&crop=1400,850,300,300",
		model, strings.Join(opts, ","))
}
