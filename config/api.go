package config

type ApiConfig struct {
	Server struct {
		Addr           string `yaml:"addr" env:"ONEPASS_SERVER_ADDR" env-default:"0.0.0.0"`
		Port           uint16 `yaml:"port" env:"ONEPASS_SERVER_PORT" env-default:"14514"`
		RequestTimeout int64  `yaml:"request_timeout" env:"ONEPASS_REQUEST_TIMEOUT" env-default:"1000"`
	} `yaml:"server"`

	Urls struct {
		GetPay         string `yaml:"get_pay" env:"ONEPASS_URL_GET_PAY"`
		InitFunds      string `yaml:"init_funds" env:"ONEPASS_URL_INIT_FUNDS"`
		BatchPayFinish string `yaml:"batch_pay_finish" env:"ONEPASS_URL_BATCH_PAY_FINISH"`
	} `yaml:"urls"`

	Dedup struct {
		Backend  string `yaml:"backend" env:"ONEPASS_DEDUP_BACKEND" env-default:"memory"`
		Capacity int    `yaml:"capacity" env:"ONEPASS_DEDUP_CAPACITY" env-default:"0"`
		TTL      int64  `yaml:"ttl" env:"ONEPASS_DEDUP_TTL" env-default:"0"`
	} `yaml:"dedup"`

	Redis struct {
		Host     string `yaml:"host" env:"ONEPASS_REDIS_HOST"`
		Port     string `yaml:"port" env:"ONEPASS_REDIS_PORT" env-default:"6379"`
		Password string `yaml:"password" env:"ONEPASS_REDIS_PASSWORD"`
		DB       int    `yaml:"db" env:"ONEPASS_REDIS_DB" env-default:"0"`
	} `yaml:"redis"`
}
