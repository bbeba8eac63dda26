package telemetry

// ValueKind 指标值的语义类型
type ValueKind int

const (
	KindNumber ValueKind = iota // 数值
	KindBool                    // 布尔
	KindString                  // 文本
	KindDynamic                 // 未知指标，按响应中的 JSON 类型原样接受
)

// Metric 指标的静态展示元数据。单位和 device class 由指标键静态决定，
// 不从响应推导，也不做任何单位换算。
type Metric struct {
	Key         string
	Name        string
	Unit        string
	DeviceClass string
	Icon        string
	Kind        ValueKind
}

// catalogOrder 已知指标的声明顺序，决定快照键的遍历顺序
var catalogOrder = []string{
	"soc",
	"soh",
	"power",
	"speed",
	"est_battery_range",
	"ideal_battery_range",
	"range",
	"efficiency",
	"consumption",
	"calib_ref_cons",
	"elevation",
	"odometer",
	"lat",
	"lon",
	"heading",
	"ext_temp",
	"batt_temp",
	"is_charging",
	"is_dcfc",
	"is_parked",
	"car_model",
	"telemetry_type",
	"timestamp",
}

// catalog 指标目录
var catalog = map[string]Metric{
	"soc":                 {Key: "soc", Name: "State of Charge", Unit: "%", DeviceClass: "battery", Kind: KindNumber},
	"soh":                 {Key: "soh", Name: "State of Health", Unit: "%", Icon: "mdi:heart-pulse", Kind: KindNumber},
	"power":               {Key: "power", Name: "Power", Unit: "kW", DeviceClass: "power", Icon: "mdi:lightning-bolt", Kind: KindNumber},
	"speed":               {Key: "speed", Name: "Speed", Unit: "km/h", DeviceClass: "speed", Icon: "mdi:speedometer", Kind: KindNumber},
	"est_battery_range":   {Key: "est_battery_range", Name: "Estimated Range", Unit: "km", DeviceClass: "distance", Icon: "mdi:map-marker-distance", Kind: KindNumber},
	"ideal_battery_range": {Key: "ideal_battery_range", Name: "Ideal Range", Unit: "km", DeviceClass: "distance", Icon: "mdi:map-marker-distance", Kind: KindNumber},
	"range":               {Key: "range", Name: "Range", Unit: "km", DeviceClass: "distance", Icon: "mdi:map-marker-distance", Kind: KindNumber},
	"efficiency":          {Key: "efficiency", Name: "Efficiency", Unit: "Wh/km", Icon: "mdi:gauge", Kind: KindNumber},
	"consumption":         {Key: "consumption", Name: "Consumption", Unit: "Wh/km", Icon: "mdi:gauge", Kind: KindNumber},
	"calib_ref_cons":      {Key: "calib_ref_cons", Name: "Reference Consumption", Unit: "Wh/km", Icon: "mdi:gauge", Kind: KindNumber},
	"elevation":           {Key: "elevation", Name: "Elevation", Unit: "m", Icon: "mdi:image-filter-hdr", Kind: KindNumber},
	"odometer":            {Key: "odometer", Name: "Odometer", Unit: "km", DeviceClass: "distance", Icon: "mdi:counter", Kind: KindNumber},
	"lat":                 {Key: "lat", Name: "Latitude", Icon: "mdi:map-marker", Kind: KindNumber},
	"lon":                 {Key: "lon", Name: "Longitude", Icon: "mdi:map-marker", Kind: KindNumber},
	"heading":             {Key: "heading", Name: "Heading", Unit: "°", Icon: "mdi:compass", Kind: KindNumber},
	"ext_temp":            {Key: "ext_temp", Name: "External Temperature", Unit: "°C", DeviceClass: "temperature", Kind: KindNumber},
	"batt_temp":           {Key: "batt_temp", Name: "Battery Temperature", Unit: "°C", DeviceClass: "temperature", Kind: KindNumber},
	"is_charging":         {Key: "is_charging", Name: "Charging", Icon: "mdi:ev-station", Kind: KindBool},
	"is_dcfc":             {Key: "is_dcfc", Name: "DC Fast Charging", Icon: "mdi:flash", Kind: KindBool},
	"is_parked":           {Key: "is_parked", Name: "Parked", Icon: "mdi:parking", Kind: KindBool},
	"car_model":           {Key: "car_model", Name: "Car Model", Icon: "mdi:car", Kind: KindString},
	"telemetry_type":      {Key: "telemetry_type", Name: "Telemetry Type", Icon: "mdi:car-connected", Kind: KindString},
	"timestamp":           {Key: "timestamp", Name: "Last Telemetry", DeviceClass: "timestamp", Icon: "mdi:clock-outline", Kind: KindNumber},
}

// Lookup 查找指标元数据。未收录的指标返回按键生成的默认条目。
func Lookup(key string) Metric {
	if m, ok := catalog[key]; ok {
		return m
	}
	return Metric{Key: key, Name: key, Kind: KindDynamic}
}
