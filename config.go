package aria2

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/woshibocai007/aria2/internal/piecestorage"
)

type Config struct {
	EnableDirectIO  bool   `yaml:"enable_direct_io"`
	BTMaxOpenFiles  int    `yaml:"bt_max_open_files"`
	FileAllocation  string `yaml:"file_allocation"`
	EndGamePieceNum uint32 `yaml:"end_game_piece_num"`
}

var DefaultConfig = Config{
	BTMaxOpenFiles:  100,
	FileAllocation:  piecestorage.FileAllocationPrealloc,
	EndGamePieceNum: piecestorage.DefaultEndGamePieceNum,
}

func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	if err = c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Save(filename string) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, b, 0640)
}

func (c *Config) validate() error {
	switch c.FileAllocation {
	case piecestorage.FileAllocationNone,
		piecestorage.FileAllocationPrealloc,
		piecestorage.FileAllocationFalloc,
		piecestorage.FileAllocationTrunc:
		return nil
	}
	return fmt.Errorf("invalid file_allocation value: %q", c.FileAllocation)
}
